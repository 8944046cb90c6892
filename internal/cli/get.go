package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Fetch a record by id",
		Long:  "Fetch one record by id. Kind is one of: session, entity, triple, chunk.",
		Args:  cobra.ExactArgs(2),
		Run:   runGet,
	}

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	kind, id := args[0], args[1]

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	ctx := cmd.Context()
	var record interface{}
	switch kind {
	case "session":
		record, err = s.GetSession(ctx, id)
	case "entity":
		record, err = s.GetEntity(ctx, id)
	case "triple":
		record, err = s.GetTriple(ctx, id)
	case "chunk":
		record, err = s.GetChunk(ctx, id)
	default:
		exitErr("get", fmt.Errorf("unknown kind %q (use session, entity, triple or chunk)", kind))
	}
	if err != nil {
		exitErr("get", err)
	}

	b, _ := json.MarshalIndent(record, "", "  ")
	fmt.Println(string(b))
}
