package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voxcraft/vox-cli/internal/contextstore"
	"github.com/voxcraft/vox-cli/internal/observability"
)

// newAbortCmd creates the `abort` command: drop a session's persisted
// context from the shared store. The browser handle itself lives inside the
// run process and is reaped by its own abort and sweep paths.
func newAbortCmd() *cobra.Command {
	abortCmd := &cobra.Command{
		Use:   "abort",
		Short: "Clears persisted context for a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			sessionID, _ := cmd.Flags().GetString("session")

			if cfg.ContextStore().Backend != "redis" {
				return fmt.Errorf("abort requires the redis context store backend; the in-memory store does not outlive the run process")
			}
			store, err := contextstore.NewRedisStore(ctx, cfg.ContextStore(), logger)
			if err != nil {
				return err
			}
			if err := store.Clear(ctx, sessionID); err != nil {
				return err
			}
			logger.Info("Session context cleared", zap.String("session_id", sessionID))
			return nil
		},
	}

	abortCmd.Flags().StringP("session", "s", "default", "Session ID to clear")
	return abortCmd
}
