package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/control"
	"github.com/ashita-ai/kensa/internal/service/results"
	"github.com/ashita-ai/kensa/internal/slug"
)

// cancelGrace bounds how long an interrupted run_* command waits for the
// run to acknowledge cancellation.
const cancelGrace = 30 * time.Second

func (s *session) runCommands() []*cobra.Command {
	return []*cobra.Command{
		s.runTargetsCommand(model.RunTypeCookbook),
		s.runTargetsCommand(model.RunTypeRecipe),
		s.cancelCommand(),
		s.statusCommand(),
		s.listRunnersCommand(),
		s.viewRunnerCommand(),
		s.deleteRunnerCommand(),
		s.listRunsCommand(),
		s.listResultsCommand(),
		s.viewResultCommand(),
		s.deleteResultCommand(),
	}
}

func (s *session) runTargetsCommand(typ model.RunType) *cobra.Command {
	var (
		req       control.RunRequest
		targets   []string
		legacy    bool
		detach    bool
		noun      = string(typ)
		targetArg = noun + "s"
	)
	cmd := &cobra.Command{
		Use:   "run_" + noun + " RUN_NAME",
		Short: fmt.Sprintf("Run %ss against endpoints", noun),
		Long: fmt.Sprintf(`Run %[1]ss under the runner named RUN_NAME and print progress until the run
ends. An existing runner keeps the endpoints it was created with.

  run_%[1]s my-run --%[1]s ID --endpoint ID [--endpoint ID ...]
  run_%[1]s --legacy-args my-run "['ID']" "['ENDPOINT']"`, noun),
		Args: legacyArgs(&legacy, cobra.ExactArgs(1), 3, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RunName = args[0]
			req.Targets = targets
			if legacy {
				if err := parseLiteral(args[1], &req.Targets); err != nil {
					return err
				}
				if err := parseLiteral(args[2], &req.Endpoints); err != nil {
					return err
				}
			}
			if detach && !s.interactive {
				return fmt.Errorf("--detach is only available inside 'kensa shell'")
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			return s.runAndWatch(cmd, svc, typ, req, detach)
		},
	}
	fl := cmd.Flags()
	fl.StringArrayVar(&targets, noun, nil, fmt.Sprintf("%s id to run (repeatable)", noun))
	fl.StringArrayVar(&req.Endpoints, "endpoint", nil, "Endpoint id (repeatable); used when the runner is new")
	fl.StringVar(&req.Description, "description", "", "Runner description, used when the runner is new")
	fl.IntVarP(&req.PromptSelectionPercentage, "prompt-selection-percentage", "n", 100, "Percentage of each dataset's prompts to run (1-100)")
	fl.Int64VarP(&req.RandomSeed, "random-seed", "r", 0, "Seed for prompt selection")
	fl.StringVarP(&req.SystemPrompt, "system-prompt", "s", "", "System prompt sent with every prompt")
	fl.StringVarP(&req.RunnerProcessingModule, "runner-module", "l", "benchmarking", "Runner processing module")
	fl.StringVarP(&req.ResultProcessingModule, "result-module", "o", "benchmarking-result", "Result processing module")
	fl.BoolVar(&detach, "detach", false, "Return once the run is queued (shell only)")
	fl.BoolVar(&legacy, "legacy-args", false, "Take "+targetArg+" and endpoints as Python list literals")
	return cmd
}

// runAndWatch enqueues the run and, unless detached, prints its progress
// until it is terminal. Interrupting the command cancels the run.
func (s *session) runAndWatch(cmd *cobra.Command, svc *control.Service, typ model.RunType, req control.RunRequest, detach bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	runnerID := slug.Make(req.RunName)

	// Subscribe first so the pending and running events are not missed.
	sub := svc.Subscribe(runnerID)
	defer svc.Unsubscribe(sub)

	var (
		run model.Run
		err error
	)
	if typ == model.RunTypeCookbook {
		run, err = svc.RunCookbooks(ctx, req)
	} else {
		run, err = svc.RunRecipes(ctx, req)
	}
	if err != nil {
		return err
	}
	if detach {
		s.success("Started run %d under runner %s. Check it with: status %s", run.RunID, run.RunnerID, run.RunnerID)
		return nil
	}
	fmt.Fprintf(out, "Running %s %d under runner %s\n", typ, run.RunID, headStyle.Sprint(run.RunnerID))

watch:
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				break watch
			}
			if ev.RunnerID != run.RunnerID || ev.RunID != run.RunID {
				continue
			}
			printProgress(out, ev.State, ev.Fraction, ev.Phase, ev.Message)
			if ev.State.Terminal() {
				break watch
			}
		case <-ctx.Done():
			fmt.Fprintln(out, warnStyle.Sprint("interrupted, cancelling run..."))
			if err := svc.Cancel(runnerID); err != nil {
				return err
			}
			break watch
		}
	}

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelGrace)
	defer cancel()
	final, err := svc.Wait(waitCtx, runnerID)
	if err != nil {
		return apperr.Wrap(apperr.IO, "wait", err)
	}
	return s.reportRun(cmd, svc, final)
}

func printProgress(w io.Writer, state model.RunStatus, fraction float64, phase, msg string) {
	line := fmt.Sprintf("  [%3.0f%%] %-10s", fraction*100, state)
	if phase != "" && phase != string(state) {
		line += " " + phase
	}
	if msg != "" {
		line += ": " + msg
	}
	fmt.Fprintln(w, line)
}

// reportRun prints the outcome of a finished run. Completed runs print their
// grade table; cancelled and failed runs become non-zero exits.
func (s *session) reportRun(cmd *cobra.Command, svc *control.Service, run model.Run) error {
	switch run.Status {
	case model.RunStatusCompleted:
		if run.ResultID == "" {
			return apperr.New(apperr.Invariant, "", "run %d of %s completed without a result: %s",
				run.RunID, run.RunnerID, run.ErrorMessage)
		}
		s.success("Run %d of %s completed in %s", run.RunID, run.RunnerID, durationOf(run.Duration))
		view, err := svc.GetResultView(run.RunnerID, run.RunID)
		if err != nil {
			return err
		}
		return renderView(cmd.OutOrStdout(), view)
	case model.RunStatusCancelled:
		return &exitError{code: apperr.ExitFailure, msg: fmt.Sprintf("run %d of %s was cancelled", run.RunID, run.RunnerID)}
	default:
		kind := apperr.Kind(run.ErrorKind)
		if kind == "" {
			kind = apperr.Invariant
		}
		return apperr.New(kind, "", "run %d of %s %s: %s", run.RunID, run.RunnerID, run.Status, run.ErrorMessage)
	}
}

func durationOf(seconds *int64) string {
	if seconds == nil {
		return "-"
	}
	return (time.Duration(*seconds) * time.Second).String()
}

func (s *session) cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUNNER_ID",
		Short: "Cancel the runner's active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.Cancel(args[0]); err != nil {
				return err
			}
			s.success("Cancellation requested for %s", args[0])
			return nil
		},
	}
}

func (s *session) statusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [RUNNER_ID]",
		Short: "Show run progress for one runner or every run in this process",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			var snaps []model.RunSnapshot
			if len(args) == 1 {
				snap, err := svc.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				snaps = []model.RunSnapshot{snap}
			} else {
				snaps = svc.StatusAll()
			}
			if asJSON {
				return printJSON(cmd, snaps)
			}
			if len(snaps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs in progress.")
				return nil
			}
			rows := make([][]string, 0, len(snaps))
			for _, sn := range snaps {
				rows = append(rows, []string{
					sn.RunnerID, strconv.FormatInt(sn.RunID, 10), string(sn.State),
					fmt.Sprintf("%.0f%%", sn.Fraction*100), sn.Phase,
					(time.Duration(sn.DurationSoFar) * time.Second).String(), sn.Message,
				})
			}
			return renderRows(cmd.OutOrStdout(),
				[]string{"Runner", "Run", "State", "Progress", "Phase", "Elapsed", "Message"}, rows)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func (s *session) listRunnersCommand() *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "list_runners",
		Short: "List runners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			items, err := svc.ListRunners(opts)
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd, items)
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runners found.")
				return nil
			}
			rows := make([][]string, 0, len(items))
			for i, it := range items {
				r := it.Value
				rows = append(rows, []string{itoa(rowIndex(it.Idx, i)), r.ID, r.Name,
					joinList(r.Endpoints), truncate(r.Description, 40), dateOf(r.CreatedDate)})
			}
			return renderRows(cmd.OutOrStdout(),
				[]string{"#", "ID", "Name", "Endpoints", "Description", "Created"}, rows)
		},
	}
	f.register(cmd, false)
	return cmd
}

func rowIndex(idx, i int) int {
	if idx != 0 {
		return idx
	}
	return i + 1
}

func (s *session) viewRunnerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "view_runner RUNNER_ID",
		Short: "View a runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			r, err := svc.GetRunner(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, r)
		},
	}
}

func (s *session) deleteRunnerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete_runner RUNNER_ID",
		Short: "Delete a runner and its run history, cancelling any active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !s.confirm(fmt.Sprintf("Are you sure you want to delete the runner (%s)?", id)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.DeleteRunner(cmd.Context(), id); err != nil {
				return err
			}
			s.success("Deleted runner %s", id)
			return nil
		},
	}
}

func (s *session) listRunsCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list_runs RUNNER_ID",
		Short: "List the runs recorded for a runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := svc.ListRuns(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No runs recorded for %s.\n", args[0])
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				started := "-"
				if r.StartTime != nil {
					started = dateOf(*r.StartTime)
				}
				errMsg := r.ErrorMessage
				if r.ErrorKind != "" {
					errMsg = r.ErrorKind + ": " + errMsg
				}
				rows = append(rows, []string{
					strconv.FormatInt(r.RunID, 10), string(r.RunnerArgs.Type), joinList(r.RunnerArgs.Targets),
					string(r.Status), started, durationOf(r.Duration), orDash(r.ResultID), truncate(errMsg, 40),
				})
			}
			return renderRows(cmd.OutOrStdout(),
				[]string{"Run", "Type", "Targets", "Status", "Started", "Duration", "Result", "Error"}, rows)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (s *session) listResultsCommand() *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "list_results",
		Short: "List stored results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			items, err := svc.ListResults(opts)
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd, items)
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No results found.")
				return nil
			}
			rows := make([][]string, 0, len(items))
			for i, it := range items {
				m := it.Value
				targets := m.Cookbooks
				if targets == nil {
					targets = m.Recipes
				}
				rows = append(rows, []string{
					itoa(rowIndex(it.Idx, i)), m.ID, strconv.FormatInt(m.RunID, 10), string(m.Status),
					joinList(targets), joinList(m.Endpoints), itoa(m.NumOfPrompts),
					dateOf(m.EndTime), (time.Duration(m.Duration) * time.Second).String(),
				})
			}
			return renderRows(cmd.OutOrStdout(),
				[]string{"#", "Runner", "Run", "Status", "Targets", "Endpoints", "Prompts", "Finished", "Duration"}, rows)
		},
	}
	f.register(cmd, false)
	return cmd
}

func (s *session) viewResultCommand() *cobra.Command {
	var (
		runID int64
		raw   bool
	)
	cmd := &cobra.Command{
		Use:   "view_result RUNNER_ID",
		Short: "View a runner's result, the latest unless --run-id is given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			if raw {
				res, err := svc.GetResult(args[0], runID)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			}
			view, err := svc.GetResultView(args[0], runID)
			if err != nil {
				return err
			}
			return renderView(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().Int64Var(&runID, "run-id", 0, "Run id (default latest)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the stored result document as JSON")
	return cmd
}

func (s *session) deleteResultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete_result RUNNER_ID",
		Short: "Delete every stored result of a runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !s.confirm(fmt.Sprintf("Are you sure you want to delete the results of (%s)?", id)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.DeleteResult(id); err != nil {
				return err
			}
			s.success("Deleted results of %s", id)
			return nil
		},
	}
}

// renderView prints a result header followed by one grade per recipe and
// endpoint. Cookbook runs add an overall row per cookbook.
func renderView(w io.Writer, v results.View) error {
	m := v.Metadata
	fmt.Fprintf(w, "%s run %d: %s, %d prompts, %s\n", headStyle.Sprint(m.ID), m.RunID, m.Status,
		m.NumOfPrompts, (time.Duration(m.Duration) * time.Second).String())

	gradeCells := func(summaries []model.EvaluationSummary) []string {
		byModel := make(map[string]model.EvaluationSummary, len(summaries))
		for _, es := range summaries {
			byModel[es.ModelID] = es
		}
		cells := make([]string, 0, len(m.Endpoints))
		for _, ep := range m.Endpoints {
			es, ok := byModel[ep]
			switch {
			case !ok:
				cells = append(cells, model.NoGrade)
			case es.AvgGradeValue == nil:
				cells = append(cells, es.Grade)
			default:
				cells = append(cells, fmt.Sprintf("%s (%.2f)", es.Grade, *es.AvgGradeValue))
			}
		}
		return cells
	}

	if v.Results.Cookbooks != nil {
		headers := append([]string{"Cookbook", "Recipe"}, m.Endpoints...)
		var rows [][]string
		for _, cb := range v.Results.Cookbooks {
			for _, r := range cb.Recipes {
				rows = append(rows, append([]string{cb.ID, r.ID}, gradeCells(r.EvaluationSummary)...))
			}
			overall := make(map[string]string, len(cb.OverallEvaluationSummary))
			for _, o := range cb.OverallEvaluationSummary {
				overall[o.ModelID] = o.OverallGrade
			}
			row := []string{cb.ID, "overall"}
			for _, ep := range m.Endpoints {
				row = append(row, orDash(overall[ep]))
			}
			rows = append(rows, row)
		}
		return renderRows(w, headers, rows)
	}

	headers := append([]string{"Recipe"}, m.Endpoints...)
	rows := make([][]string, 0, len(v.Results.Recipes))
	for _, r := range v.Results.Recipes {
		rows = append(rows, append([]string{r.ID}, gradeCells(r.EvaluationSummary)...))
	}
	return renderRows(w, headers, rows)
}
