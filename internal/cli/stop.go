package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <master_build_id>",
		Short: "Stop a running master build",
		Long:  "Cancel the sub-builds still waiting in the queue and end the master build. Started sub-builds keep running.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Put("/api/v1/masterbuilds/"+url.PathEscape(id)+"/stop", nil)
			if err != nil {
				return fmt.Errorf("stop master build: %w", err)
			}

			var data struct {
				CancelledQueueItems int `json:"cancelled_queue_items"`
			}
			if err := decodeData(resp, &data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Master build %s: stopping\n", id)
			fmt.Fprintf(cmd.OutOrStdout(), "  Queued sub-builds cancelled: %d\n", data.CancelledQueueItems)
			return nil
		},
	}
}
