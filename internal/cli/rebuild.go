package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/etsy/jenkins-master-project/pkg/model"
)

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <master_build_id> <sub-project>",
		Short: "Rebuild one sub-project of a master build",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, sub := args[0], args[1]
			resp, err := client.Post("/api/v1/masterbuilds/"+url.PathEscape(id)+"/rebuild", map[string]string{"sub_project": sub})
			if err != nil {
				return fmt.Errorf("rebuild %s: %w", sub, err)
			}
			var data struct {
				SubProject string      `json:"sub_project"`
				Cause      model.Cause `json:"cause"`
			}
			if err := decodeData(resp, &data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rebuild of %s scheduled (attempt %d)\n", data.SubProject, data.Cause.Attempt)
			return nil
		},
	}
}
