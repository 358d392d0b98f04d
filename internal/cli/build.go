package cli

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/etsy/jenkins-master-project/pkg/model"
)

// ExitError carries the exit code of a synchronous build: the ordinal of its result.
type ExitError struct {
	Code   int
	Result model.Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("master build finished with %s", e.Result)
}

type buildOptions struct {
	project     string
	subProjects []string
	params      []string
	files       []string
	exclude     []string
	retries     int
	sync        bool
	poll        time.Duration
}

func newBuildCmd() *cobra.Command {
	var opts buildOptions

	cmd := &cobra.Command{
		Use:   "build <project> [sub-project...]",
		Short: "Start a master build and optionally wait for it",
		Long: heredoc.Doc(`
			Start a master build. Naming sub-projects restricts the build to them;
			this needs a project that allows selection. Without -s the command
			returns once the build is created. With -s it waits for completion and
			exits with the result's ordinal: 0 SUCCESS, 1 UNSTABLE, 2 FAILURE,
			3 NOT_BUILT, 4 ABORTED.
		`),
		Example: heredoc.Doc(`
			$ masterctl build release
			$ masterctl build release api web -p BRANCH=main -s
			$ masterctl build release -f CONFIG=./app.yaml --retries 2
		`),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.project = args[0]
			opts.subProjects = args[1:]
			return runBuild(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.params, "param", "p", nil, "Parameter NAME=VALUE (repeatable)")
	cmd.Flags().StringArrayVarP(&opts.files, "file", "f", nil, "File parameter NAME=PATH (repeatable)")
	cmd.Flags().StringSliceVar(&opts.exclude, "exclude", nil, "Sub-projects to leave out")
	cmd.Flags().IntVar(&opts.retries, "retries", -1, "Override max retries (-1 keeps the project setting)")
	cmd.Flags().BoolVarP(&opts.sync, "sync", "s", false, "Wait for completion and exit with the result ordinal")
	cmd.Flags().DurationVar(&opts.poll, "poll", 7*time.Second, "Poll interval while waiting")
	return cmd
}

func runBuild(out io.Writer, opts buildOptions) error {
	project, err := findProject(opts.project)
	if err != nil {
		return err
	}
	if len(opts.subProjects) > 0 {
		if !project.Selectable {
			return fmt.Errorf("%s does not support selecting sub-projects", project.Name)
		}
		for _, sp := range opts.subProjects {
			if !slices.Contains(project.Members, sp) {
				return fmt.Errorf("%s does not exist in master project %s", sp, project.Name)
			}
		}
		fmt.Fprintf(out, "Executing sub-projects: %s\n", strings.Join(opts.subProjects, ", "))
	} else if len(project.DefaultSubProjects) > 0 {
		fmt.Fprintf(out, "Executing DEFAULT sub-projects: %s\n", strings.Join(project.DefaultSubProjects, ", "))
	}

	params, err := parseParams(project, opts.params)
	if err != nil {
		return err
	}
	files, err := readFiles(project, opts.files)
	if err != nil {
		return err
	}

	body := map[string]any{
		"sub_projects": opts.subProjects,
		"exclude":      opts.exclude,
		"parameters":   params,
		"files":        files,
		"triggered_by": currentUser(),
	}
	if opts.retries >= 0 {
		body["max_retries"] = opts.retries
	}
	resp, err := client.Post("/api/v1/projects/"+url.PathEscape(project.Name)+"/builds", body)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", project.Name, err)
	}
	var mb masterBuildInfo
	if err := decodeData(resp, &mb); err != nil {
		return err
	}
	fmt.Fprintf(out, "Started %s #%d (%s)\n", mb.Project, mb.Number, mb.ID)
	if !opts.sync {
		return nil
	}

	for !mb.State.IsTerminal() {
		time.Sleep(opts.poll)
		if _, err := client.getInto("/api/v1/masterbuilds/"+mb.ID, &mb); err != nil {
			return fmt.Errorf("poll %s: %w", mb.ID, err)
		}
		logger.Debug("polled master build", "id", mb.ID, "state", mb.State, "current_result", mb.CurrentResult)
	}
	fmt.Fprintf(out, "Completed %s #%d : %s\n", mb.Project, mb.Number, renderResult(mb.Result))
	if code := mb.Result.Ordinal(); code != 0 {
		return &ExitError{Code: code, Result: mb.Result}
	}
	return nil
}

// findProject fetches a master project, suggesting the nearest name on a miss.
func findProject(name string) (projectInfo, error) {
	var p projectInfo
	_, err := client.getInto("/api/v1/projects/"+url.PathEscape(name), &p)
	if err == nil {
		return p, nil
	}
	if !isNotFound(err) {
		return p, fmt.Errorf("get project %s: %w", name, err)
	}
	var all []projectInfo
	if _, lerr := client.getInto("/api/v1/projects/", &all); lerr == nil && len(all) > 0 {
		names := make([]string, 0, len(all))
		for _, p := range all {
			names = append(names, p.Name)
		}
		return p, fmt.Errorf("no such master project %q; perhaps you meant %q?", name, nearest(name, names))
	}
	return p, fmt.Errorf("no such master project %q", name)
}

// parseParams checks NAME=VALUE pairs against the project's declared parameters.
func parseParams(project projectInfo, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	if len(project.Parameters) == 0 {
		return nil, fmt.Errorf("%s is not parameterized but the -p option was specified", project.Name)
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q is not NAME=VALUE", pair)
		}
		d := project.parameter(name)
		if d == nil {
			return nil, fmt.Errorf("'%s' is not a valid parameter. Did you mean %s?", name, nearest(name, project.parameterNames()))
		}
		if d.Type == model.ParameterTypeFile {
			return nil, fmt.Errorf("%s is a file parameter; use -f", name)
		}
		out[name] = value
	}
	return out, nil
}

// readFiles loads NAME=PATH pairs for file parameters.
func readFiles(project projectInfo, pairs []string) ([]map[string]string, error) {
	var out []map[string]string
	for _, pair := range pairs {
		name, path, ok := strings.Cut(pair, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("file parameter %q is not NAME=PATH", pair)
		}
		d := project.parameter(name)
		if d == nil || d.Type != model.ParameterTypeFile {
			return nil, fmt.Errorf("'%s' is not a file parameter of %s", name, project.Name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		out = append(out, map[string]string{
			"name":      name,
			"file_name": filepath.Base(path),
			"content":   base64.StdEncoding.EncodeToString(data),
		})
	}
	return out, nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "masterctl"
}
