package mcp

import "github.com/ashita-ai/kensa/internal/service/results"

// compactView returns the grade-level digest of a result view for MCP
// responses. Per-prompt-template metric values are dropped; what agents act
// on is the grade each model earned per recipe and, for cookbook runs, the
// overall grade per cookbook.
func compactView(v results.View) map[string]any {
	m := map[string]any{
		"id":             v.Metadata.ID,
		"run_id":         v.Metadata.RunID,
		"status":         v.Metadata.Status,
		"duration":       v.Metadata.Duration,
		"num_of_prompts": v.Metadata.NumOfPrompts,
	}
	if v.Results.Cookbooks != nil {
		cookbooks := make([]map[string]any, 0, len(v.Results.Cookbooks))
		for _, cb := range v.Results.Cookbooks {
			cookbooks = append(cookbooks, map[string]any{
				"id":      cb.ID,
				"overall": cb.OverallEvaluationSummary,
				"recipes": compactRecipes(cb.Recipes),
			})
		}
		m["cookbooks"] = cookbooks
	}
	if v.Results.Recipes != nil {
		m["recipes"] = compactRecipes(v.Results.Recipes)
	}
	return m
}

func compactRecipes(recipes []results.ViewRecipe) []map[string]any {
	out := make([]map[string]any, 0, len(recipes))
	for _, r := range recipes {
		grades := make(map[string]string, len(r.EvaluationSummary))
		for _, es := range r.EvaluationSummary {
			grades[es.ModelID] = es.Grade
		}
		out = append(out, map[string]any{"id": r.ID, "grades": grades})
	}
	return out
}

