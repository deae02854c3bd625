package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// evaluate-endpoint: walks the agent through a full benchmark of one model.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("evaluate-endpoint",
			mcplib.WithPromptDescription("Benchmark an LLM endpoint against a cookbook and summarize its grades"),
			mcplib.WithArgument("endpoint",
				mcplib.ArgumentDescription("The LLM endpoint id to evaluate"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("cookbook",
				mcplib.ArgumentDescription("The cookbook id to run (optional; ask if omitted)"),
			),
		),
		s.handleEvaluateEndpointPrompt,
	)

	// agent-setup: system prompt snippet describing the kensa workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the kensa benchmark workflow (discover, run, follow, read)"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleEvaluateEndpointPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	endpoint := request.Params.Arguments["endpoint"]
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint argument is required")
	}
	cookbook := request.Params.Arguments["cookbook"]
	choose := fmt.Sprintf(`CALL kensa_run with type="cookbook", targets="%s", endpoints="%s"
   and a run_name describing the evaluation.`, cookbook, endpoint)
	if cookbook == "" {
		choose = fmt.Sprintf(`CALL kensa_list with kind="cookbooks" and pick the cookbook that best
   matches what the user wants to measure. Then CALL kensa_run with
   type="cookbook", the chosen cookbook as targets, endpoints="%s"
   and a run_name describing the evaluation.`, endpoint)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Benchmark %s", endpoint),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Evaluate the LLM endpoint %q with kensa:

1. %s

2. POLL kensa_status with the returned id until state is completed,
   cancelled or failed. Runs can take minutes; report the phase as you go.

3. If the run completed, CALL kensa_result with the runner id and report
   the grade per recipe and the cookbook's overall grade. An overall
   grade of "-" means a recipe in the cookbook could not be graded.

4. If the run failed, report error_kind and message from the
   status and do not retry without asking.`, endpoint, choose),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "kensa benchmark workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to kensa, a control plane for benchmarking LLM endpoints.
Recipes pair datasets with metrics and a grading scale; cookbooks group
recipes. A runner executes recipes or cookbooks against endpoints and keeps
one graded result per run.

## The Pattern: Discover, Run, Follow, Read

- kensa_list: find cookbooks, recipes, llm-endpoints, runners or results
- kensa_run: start a run in the background (returns the runner id)
- kensa_status: follow a run's progress; omit runner_id to see all runs
- kensa_cancel: stop a run that is no longer wanted
- kensa_result: read grades once a run has completed

## Rules

- Only one run per runner is active at a time. Starting another run on a
  busy runner fails with a conflict; wait or cancel first.
- Results exist only for completed runs.
- Grades come from each recipe's own grading scale, so compare grades
  within a recipe, not across recipes.`,
				},
			},
		},
	}, nil
}
