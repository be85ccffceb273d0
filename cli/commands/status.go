package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewStatusCommand reports the latest persisted checkpoint for the
// configured projection, without starting the projection itself.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest checkpoint for the configured projection",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			log, cfg, cleanup, err := getEventLog(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			mgr := newReadOnlyCheckpointManager(cfg.Projection.Name, log)

			tag, stateBlob, err := mgr.BeginLoad(ctx)
			if err != nil {
				return fmt.Errorf("load checkpoint: %w", err)
			}

			fmt.Printf("projection:      %s\n", cfg.Projection.Name)
			fmt.Printf("checkpoint tag:  %s\n", tag.String())
			fmt.Printf("is zero:         %t\n", tag.IsZero())
			fmt.Printf("state blob size: %d bytes\n", len(stateBlob))
			return nil
		},
	}

	return cmd
}
