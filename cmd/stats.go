package cmd

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/voxcraft/vox-cli/internal/contextstore"
	"github.com/voxcraft/vox-cli/internal/observability"
)

// newStatsCmd creates the `stats` command: inspect a session's persisted
// state through the shared context store. Useful with the redis backend,
// where state outlives the run process.
func newStatsCmd() *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Shows persisted context state for a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			sessionID, _ := cmd.Flags().GetString("session")

			if cfg.ContextStore().Backend != "redis" {
				return fmt.Errorf("stats requires the redis context store backend; the in-memory store does not outlive the run process")
			}
			store, err := contextstore.NewRedisStore(ctx, cfg.ContextStore(), logger)
			if err != nil {
				return err
			}

			keys, err := store.Keys(ctx, sessionID)
			if err != nil {
				return err
			}
			turns, err := store.List(ctx, sessionID, "conversation", cfg.ContextStore().HistoryLimit)
			if err != nil {
				return err
			}

			stats := map[string]any{
				"session_id":   sessionID,
				"context_keys": keys,
				"turns":        len(turns),
			}
			if state, ok, err := store.Get(ctx, sessionID, "browser_state"); err == nil && ok {
				stats["browser_state"] = jsoniter.RawMessage(state)
			}
			writeJSON(cmd.OutOrStdout(), stats)
			return nil
		},
	}

	statsCmd.Flags().StringP("session", "s", "default", "Session ID to inspect")
	return statsCmd
}
