package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Assemble a context bundle for a query",
		Long:  "Resolve query entities, rank sessions and triples under temporal decay, and pack summaries, facts and evidence into a size-bounded bundle.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runQuery,
	}

	cmd.Flags().StringP("session", "s", "", "Pin a session into the candidate set")
	cmd.Flags().IntP("budget", "b", 0, "Override the bundle character budget")

	RootCmd.AddCommand(cmd)
}

func runQuery(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	budget, _ := cmd.Flags().GetInt("budget")
	query := strings.Join(args, " ")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	eng := newEngine(s)
	if budget > 0 {
		cfg := engineConfig()
		cfg.ContextBudget = budget
		eng = newEngineWithConfig(s, cfg)
	}

	bundle, err := eng.RetrieveContext(cmd.Context(), query, sessionID)
	if err != nil {
		exitErr("query", err)
	}

	b, _ := json.MarshalIndent(bundle, "", "  ")
	fmt.Println(string(b))
}
