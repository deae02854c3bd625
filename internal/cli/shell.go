package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kensa/internal/apperr"
)

const shellPrompt = "kensa > "

func (s *session) shellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive shell; each line is one kensa command",
		Long: `Start an interactive shell. Each line is split with shell quoting rules and
run as a kensa command, e.g.

  kensa > list_recipes --find bias
  kensa > run_recipe my-run --recipe r1 --endpoint e1 --detach

Type exit or quit, or send end of input, to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if s.interactive {
				return fmt.Errorf("already inside the shell")
			}
			s.interactive = true
			defer func() { s.interactive = false }()
			return s.loop(cmd)
		},
	}
}

// loop reads lines until end of input or exit. Command failures are
// reported and the loop continues; only a cancelled context ends it early.
func (s *session) loop(cmd *cobra.Command) error {
	ctx := cmd.Context()
	prompt := isTerminal(s.deps.In)
	if prompt {
		fmt.Fprintln(s.out, headStyle.Sprint("kensa ")+s.deps.Version+". Type help for commands, exit to leave.")
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if prompt {
			fmt.Fprint(s.out, shellPrompt)
		}
		line, err := s.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return apperr.Wrap(apperr.IO, "shell", err)
		}
		eof := err != nil

		line = strings.TrimSpace(line)
		switch line {
		case "":
			if eof {
				if prompt {
					fmt.Fprintln(s.out)
				}
				return nil
			}
			continue
		case "exit", "quit":
			return nil
		}

		args, terr := tokenize(line)
		if terr != nil {
			fmt.Fprintln(s.errOut, errorStyle.Sprint("error: ")+terr.Error())
		} else {
			s.report(s.run(ctx, args))
		}
		if eof {
			return nil
		}
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
