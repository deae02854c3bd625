package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// kensa://benchmarks/status: progress of every active run.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kensa://benchmarks/status",
			"Benchmark Status",
			mcplib.WithResourceDescription("Progress snapshots of every active benchmark run"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleBenchmarkStatus,
	)

	// kensa://catalog: ids of everything runnable.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kensa://catalog",
			"Catalog",
			mcplib.WithResourceDescription("Ids of the cookbooks, recipes and LLM endpoints available to run"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCatalog,
	)

	// kensa://runners/{id}/runs: run history of one runner.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kensa://runners/{id}/runs",
			"Runner History",
			mcplib.WithTemplateDescription("Every run recorded by a runner, oldest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunnerRuns,
	)
}

func (s *Server) handleBenchmarkStatus(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonContents(request.Params.URI, s.svc.StatusAll())
}

func (s *Server) handleCatalog(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	cookbooks, err := s.svc.CookbookIDs()
	if err != nil {
		return nil, fmt.Errorf("mcp: catalog cookbooks: %w", err)
	}
	recipes, err := s.svc.RecipeIDs()
	if err != nil {
		return nil, fmt.Errorf("mcp: catalog recipes: %w", err)
	}
	endpoints, err := s.svc.EndpointIDs()
	if err != nil {
		return nil, fmt.Errorf("mcp: catalog endpoints: %w", err)
	}
	return jsonContents(request.Params.URI, map[string][]string{
		"cookbooks":     orEmpty(cookbooks),
		"recipes":       orEmpty(recipes),
		"llm_endpoints": orEmpty(endpoints),
	})
}

func (s *Server) handleRunnerRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	runnerID, ok := strings.CutPrefix(uri, "kensa://runners/")
	if ok {
		runnerID, ok = strings.CutSuffix(runnerID, "/runs")
	}
	if !ok || runnerID == "" || strings.Contains(runnerID, "/") {
		return nil, fmt.Errorf("mcp: invalid runner history URI: %s", uri)
	}

	runs, err := s.svc.ListRuns(ctx, runnerID)
	if err != nil {
		return nil, fmt.Errorf("mcp: runner history: %w", err)
	}
	return jsonContents(uri, map[string]any{
		"runner_id": runnerID,
		"runs":      runs,
	})
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
