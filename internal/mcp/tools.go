package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/query"
	"github.com/ashita-ai/kensa/internal/service/control"
)

// Artifact kinds accepted by kensa_list.
var listKinds = []string{
	"datasets", "prompt-templates", "metrics", "llm-endpoints", "recipes",
	"cookbooks", "bookmarks", "runners", "results",
}

func (s *Server) registerTools() {
	// kensa_list: browse any artifact collection.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_list",
			mcplib.WithDescription(`List kensa artifacts of one kind.

Use this to discover what can be run: list cookbooks or recipes to find
targets, and llm-endpoints to find models to evaluate. Results are sorted
by id; use find for a keyword filter and page/size to paginate.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("kind",
				mcplib.Description("One of: "+strings.Join(listKinds, ", ")),
				mcplib.Required(),
			),
			mcplib.WithString("find",
				mcplib.Description("Case-insensitive keyword matched against every field"),
			),
			mcplib.WithNumber("page",
				mcplib.Description("1-based page number; requires size"),
				mcplib.Min(1),
			),
			mcplib.WithNumber("size",
				mcplib.Description("Page size"),
				mcplib.Min(1),
				mcplib.Max(500),
			),
		),
		s.handleList,
	)

	// kensa_run: start a benchmark run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_run",
			mcplib.WithDescription(`Start a benchmark run of cookbooks or recipes against LLM endpoints.

The run executes in the background. Follow it with kensa_status and read
the graded output with kensa_result once it completes. Re-using a
run_name continues the same runner with a new run id.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("type",
				mcplib.Description("cookbook or recipe"),
				mcplib.Required(),
			),
			mcplib.WithString("run_name",
				mcplib.Description("Runner name; its slug becomes the runner id"),
				mcplib.Required(),
			),
			mcplib.WithString("targets",
				mcplib.Description("Comma-separated cookbook or recipe ids"),
				mcplib.Required(),
			),
			mcplib.WithString("endpoints",
				mcplib.Description("Comma-separated LLM endpoint ids"),
				mcplib.Required(),
			),
			mcplib.WithString("description", mcplib.Description("Run description")),
			mcplib.WithNumber("prompt_selection_percentage",
				mcplib.Description("Percentage of each dataset's prompts to sample"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(100),
			),
			mcplib.WithNumber("random_seed", mcplib.Description("Seed for prompt sampling")),
			mcplib.WithString("system_prompt", mcplib.Description("System prompt sent with every prompt")),
		),
		s.handleRun,
	)

	// kensa_status: progress of one runner or all of them.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_status",
			mcplib.WithDescription("Report the progress of a runner's current run, or of every active run when runner_id is omitted."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("runner_id", mcplib.Description("Runner id")),
		),
		s.handleStatus,
	)

	// kensa_cancel: request cancellation of a runner's current run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_cancel",
			mcplib.WithDescription("Cancel the active run of a runner. Cancelling a runner with no active run does nothing."),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("runner_id", mcplib.Description("Runner id"), mcplib.Required()),
		),
		s.handleCancel,
	)

	// kensa_result: graded output of a completed run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_result",
			mcplib.WithDescription(`Read the result of a completed run.

By default returns a compact grade summary per recipe and model. Set
view=true for the full nested result tree.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("runner_id", mcplib.Description("Runner id"), mcplib.Required()),
			mcplib.WithNumber("run_id",
				mcplib.Description("Run id; omit for the latest run"),
				mcplib.Min(1),
			),
			mcplib.WithBoolean("view", mcplib.Description("Return the full result tree")),
		),
		s.handleResult,
	)
}

func (s *Server) handleList(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	kind := request.GetString("kind", "")
	opts := query.Options{
		Find: request.GetString("find", ""),
		Page: request.GetInt("page", 0),
		Size: request.GetInt("size", 0),
	}
	opts.Paginate = opts.Page > 0 || opts.Size > 0

	var (
		items any
		err   error
	)
	switch kind {
	case "datasets":
		items, err = s.svc.ListDatasets(opts)
	case "prompt-templates":
		items, err = s.svc.ListPromptTemplates(opts)
	case "metrics":
		items, err = s.svc.ListMetrics(opts)
	case "llm-endpoints":
		items, err = s.svc.ListEndpoints(opts)
	case "recipes":
		items, err = s.svc.ListRecipes(opts)
	case "cookbooks":
		items, err = s.svc.ListCookbooks(opts)
	case "bookmarks":
		items, err = s.svc.ListBookmarks(opts)
	case "runners":
		items, err = s.svc.ListRunners(opts)
	case "results":
		items, err = s.svc.ListResults(opts)
	default:
		return errorResult(fmt.Sprintf("kind must be one of: %s", strings.Join(listKinds, ", "))), nil
	}
	if err != nil {
		return s.failure("kensa_list", err), nil
	}
	return jsonResult(items)
}

func (s *Server) handleRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := control.RunRequest{
		RunName:                   request.GetString("run_name", ""),
		Description:               request.GetString("description", ""),
		Endpoints:                 splitList(request.GetString("endpoints", "")),
		Targets:                   splitList(request.GetString("targets", "")),
		PromptSelectionPercentage: request.GetInt("prompt_selection_percentage", 100),
		RandomSeed:                int64(request.GetInt("random_seed", 0)),
		SystemPrompt:              request.GetString("system_prompt", ""),
		RunnerProcessingModule:    "benchmarking",
		ResultProcessingModule:    "benchmarking-result",
	}

	var (
		run model.Run
		err error
	)
	switch request.GetString("type", "") {
	case "cookbook":
		run, err = s.svc.RunCookbooks(ctx, req)
	case "recipe":
		run, err = s.svc.RunRecipes(ctx, req)
	default:
		return errorResult("type must be cookbook or recipe"), nil
	}
	if err != nil {
		return s.failure("kensa_run", err), nil
	}
	return jsonResult(map[string]any{"id": run.RunnerID, "run_id": run.RunID})
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runnerID := request.GetString("runner_id", "")
	if runnerID == "" {
		return jsonResult(s.svc.StatusAll())
	}
	snap, err := s.svc.Status(ctx, runnerID)
	if err != nil {
		return s.failure("kensa_status", err), nil
	}
	return jsonResult(snap)
}

func (s *Server) handleCancel(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runnerID := request.GetString("runner_id", "")
	if runnerID == "" {
		return errorResult("runner_id is required"), nil
	}
	if err := s.svc.Cancel(runnerID); err != nil {
		return s.failure("kensa_cancel", err), nil
	}
	return jsonResult(map[string]string{"id": runnerID, "status": "cancel requested"})
}

func (s *Server) handleResult(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runnerID := request.GetString("runner_id", "")
	if runnerID == "" {
		return errorResult("runner_id is required"), nil
	}
	runID := int64(request.GetInt("run_id", 0))

	view, err := s.svc.GetResultView(runnerID, runID)
	if err != nil {
		return s.failure("kensa_result", err), nil
	}
	if request.GetBool("view", false) {
		return jsonResult(view)
	}
	return jsonResult(compactView(view))
}

// failure reports err to the agent. Backend and I/O failures are logged
// since the agent cannot act on them.
func (s *Server) failure(tool string, err error) *mcplib.CallToolResult {
	switch apperr.KindOf(err) {
	case apperr.Validation, apperr.NotFound, apperr.Conflict:
	default:
		s.logger.Error("mcp: tool failed", "tool", tool, "error", err)
	}
	return errorResult(err.Error())
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
