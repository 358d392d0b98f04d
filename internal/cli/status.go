package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/etsy/jenkins-master-project/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <master_build_id> | status <project> <number>",
		Short: "Show a master build and its sub-builds",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/masterbuilds/" + url.PathEscape(args[0])
			if len(args) == 2 {
				if _, err := strconv.Atoi(args[1]); err != nil {
					return fmt.Errorf("build number %q is not a number", args[1])
				}
				path = "/api/v1/projects/" + url.PathEscape(args[0]) + "/builds/" + args[1]
			}

			var mb masterBuildInfo
			if _, err := client.getInto(path, &mb); err != nil {
				return fmt.Errorf("get master build: %w", err)
			}
			var latest []model.Execution
			if _, err := client.getInto("/api/v1/masterbuilds/"+mb.ID+"/latest", &latest); err != nil {
				return fmt.Errorf("get latest builds: %w", err)
			}
			byProject := make(map[string]model.Execution, len(latest))
			for _, e := range latest {
				byProject[e.Project] = e
			}
			attempts := make(map[string][]int, len(mb.Records))
			for _, r := range mb.Records {
				attempts[r.Project] = r.BuildNumbers
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%s #%d", mb.Project, mb.Number)))
			fmt.Fprintf(out, "  ID:          %s\n", mb.ID)
			fmt.Fprintf(out, "  State:       %s\n", renderResult(mb.State))
			fmt.Fprintf(out, "  Result:      %s\n", renderResult(mb.CurrentResult))
			fmt.Fprintf(out, "  Max retries: %d\n", mb.MaxRetries)
			if mb.TriggeredBy != "" {
				fmt.Fprintf(out, "  Triggered:   %s\n", mb.TriggeredBy)
			}

			fmt.Fprintln(out, "  Sub-projects:")
			printSub := func(name, suffix string) {
				e, ok := byProject[name]
				if !ok {
					fmt.Fprintf(out, "    %-24s %s%s\n", name, renderResult("pending"), suffix)
					return
				}
				status := string(e.Result)
				if e.IsRunning() {
					status = "running"
				}
				fmt.Fprintf(out, "    %-24s %s #%d attempts=%s%s %s\n",
					name, renderResult(status), e.Number, joinInts(attempts[name]), suffix, e.URL)
			}
			for _, name := range mb.SubProjects {
				printSub(name, "")
			}
			for _, name := range mb.HiddenSubProjects {
				printSub(name, " (hidden)")
			}
			return nil
		},
	}
}

func joinInts(ns []int) string {
	parts := make([]string, 0, len(ns))
	for _, n := range ns {
		parts = append(parts, strconv.Itoa(n))
	}
	return "[" + strings.Join(parts, ",") + "]"
}
