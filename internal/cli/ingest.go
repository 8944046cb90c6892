package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/cognigraph/internal/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one completed conversation turn",
		Long:  "Store the user/assistant exchange as an evidence chunk, extract facts and merge the session summary.",
		Run:   runIngest,
	}

	cmd.Flags().StringP("session", "s", "", "Session id (omit to start a new session)")
	cmd.Flags().StringP("user", "u", "", "User message text")
	cmd.Flags().StringP("assistant", "a", "", "Assistant reply text")
	cmd.Flags().StringSliceP("message-ids", "m", nil, "Source message identifiers")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("assistant")

	RootCmd.AddCommand(cmd)
}

func runIngest(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	userText, _ := cmd.Flags().GetString("user")
	assistantText, _ := cmd.Flags().GetString("assistant")
	messageIDs, _ := cmd.Flags().GetStringSlice("message-ids")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	result, err := newEngine(s).IngestTurn(cmd.Context(), engine.IngestParams{
		SessionID:     sessionID,
		UserText:      userText,
		AssistantText: assistantText,
		MessageIDs:    messageIDs,
	})
	if err != nil {
		exitErr("ingest", err)
	}

	b, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(b))
}
