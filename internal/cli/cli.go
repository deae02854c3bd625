// Package cli implements the kensa command line: one verb_noun command per
// control operation, plus serve and an interactive shell that dispatches
// each line to the same command tree.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/service/control"
)

// Deps are the process-level hooks the command tree needs.
type Deps struct {
	// Open returns the control service. It is called at most once, by the
	// first command that needs it.
	Open func(ctx context.Context) (*control.Service, error)
	// Serve runs the HTTP server until ctx ends. A zero port keeps the
	// configured one.
	Serve func(ctx context.Context, port int) error

	Version string
	In      io.Reader
	Out     io.Writer
	Err     io.Writer
}

var (
	successStyle = color.New(color.FgGreen)
	errorStyle   = color.New(color.FgRed, color.Bold)
	warnStyle    = color.New(color.FgYellow)
	headStyle    = color.New(color.FgCyan, color.Bold)
)

// exitError ends a command with a specific exit code after its output has
// already been written.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// session is the state shared by every command of one process, including
// all lines of an interactive shell.
type session struct {
	deps        Deps
	in          *bufio.Reader
	out         io.Writer
	errOut      io.Writer
	svc         *control.Service
	interactive bool
}

func newSession(deps Deps) *session {
	return &session{
		deps:   deps,
		in:     bufio.NewReader(deps.In),
		out:    deps.Out,
		errOut: deps.Err,
	}
}

// Execute runs the command line args and returns the process exit code.
func Execute(ctx context.Context, deps Deps, args []string) int {
	s := newSession(deps)
	return s.report(s.run(ctx, args))
}

func (s *session) run(ctx context.Context, args []string) error {
	root := s.rootCommand()
	root.SetArgs(args)
	root.SetIn(s.in)
	root.SetOut(s.out)
	root.SetErr(s.errOut)
	return root.ExecuteContext(ctx)
}

// report prints err and maps it to an exit code. Errors outside the apperr
// taxonomy come from argument parsing.
func (s *session) report(err error) int {
	if err == nil {
		return apperr.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(s.errOut, errorStyle.Sprint("error: ")+ee.msg)
		}
		return ee.code
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		fmt.Fprintln(s.errOut, errorStyle.Sprint("error: ")+err.Error())
		return apperr.ExitCode(ae.Kind)
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(s.errOut, warnStyle.Sprint("interrupted"))
		return apperr.ExitFailure
	}
	fmt.Fprintln(s.errOut, errorStyle.Sprint("error: ")+err.Error())
	fmt.Fprintln(s.errOut, "Run 'kensa --help' for usage.")
	return apperr.ExitUsage
}

// service opens the control service on first use.
func (s *session) service(ctx context.Context) (*control.Service, error) {
	if s.svc != nil {
		return s.svc, nil
	}
	svc, err := s.deps.Open(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, "open", err)
	}
	s.svc = svc
	return svc, nil
}

// confirm asks a y/N question on the session's input. Anything but y or
// yes, including end of input, is a no.
func (s *session) confirm(question string) bool {
	fmt.Fprintf(s.out, "%s [y/N]: ", question)
	line, err := s.in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(s.out)
		return false
	}
	resp := strings.ToLower(strings.TrimSpace(line))
	return resp == "y" || resp == "yes"
}

func (s *session) success(format string, args ...any) {
	fmt.Fprintln(s.out, successStyle.Sprint("✓ ")+fmt.Sprintf(format, args...))
}

func (s *session) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "kensa",
		Short:   "kensa - LLM evaluation control plane",
		Version: s.deps.Version,
		Long: `kensa manages the artifacts of LLM benchmarks (datasets, prompt templates,
metrics, endpoints, recipes and cookbooks), runs recipes and cookbooks
against endpoints, and keeps the graded results of every run.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddGroup(
		&cobra.Group{ID: "artifacts", Title: "Artifact commands:"},
		&cobra.Group{ID: "runs", Title: "Benchmark commands:"},
		&cobra.Group{ID: "server", Title: "Server commands:"},
	)

	for _, k := range artifactKinds(s) {
		for _, c := range k.commands() {
			c.GroupID = "artifacts"
			root.AddCommand(c)
		}
	}
	for _, c := range s.bookmarkCommands() {
		c.GroupID = "artifacts"
		root.AddCommand(c)
	}
	for _, c := range s.runCommands() {
		c.GroupID = "runs"
		root.AddCommand(c)
	}
	serve, shell := s.serveCommand(), s.shellCommand()
	serve.GroupID, shell.GroupID = "server", "server"
	root.AddCommand(serve, shell)
	return root
}
