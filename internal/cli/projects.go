package cli

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List master projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var projects []projectInfo
			if _, err := client.getInto("/api/v1/projects/", &projects); err != nil {
				return fmt.Errorf("list projects: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(projects) == 0 {
				fmt.Fprintln(out, "No master projects configured.")
				return nil
			}
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-20s %-8s %s", "NAME", "RETRIES", "MEMBERS")))
			for _, p := range projects {
				fmt.Fprintf(out, "%-20s %-8d %s\n", p.Name, p.MaxRetries, strings.Join(p.Members, ", "))
			}
			return nil
		},
	}
	cmd.AddCommand(newRenameMemberCmd(), newRemoveMemberCmd())
	return cmd
}

func newRenameMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename-member <from> <to>",
		Short: "Follow a sub-project rename in every master project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/hostprojects/rename", map[string]string{"from": args[0], "to": args[1]})
			if err != nil {
				return fmt.Errorf("rename member: %w", err)
			}
			return printMembershipChange(cmd, resp)
		},
	}
}

func newRemoveMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-member <name>",
		Short: "Drop a deleted sub-project from every master project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Delete("/api/v1/hostprojects/" + url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("remove member: %w", err)
			}
			return printMembershipChange(cmd, resp)
		},
	}
}

func printMembershipChange(cmd *cobra.Command, resp *apiResponse) error {
	var data struct {
		MasterProjects int `json:"master_projects"`
	}
	if err := decodeData(resp, &data); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Master projects updated: %d\n", data.MasterProjects)
	return nil
}
