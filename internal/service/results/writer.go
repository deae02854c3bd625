package results

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/backend"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
)

// WriteInput is everything the writer needs to normalize a run's output.
type WriteInput struct {
	RunnerID  string
	RunID     int64
	Args      model.RunArgs
	Endpoints []string
	// Cookbooks is set for cookbook runs, in request order.
	Cookbooks []model.Cookbook
	// Recipes holds every recipe the run executed, in first-occurrence order.
	Recipes   []model.Recipe
	StartTime time.Time
	EndTime   time.Time
	Output    *backend.Output
}

// Writer persists result documents. Each (runner, run) pair is written at
// most once.
type Writer struct {
	results *storage.Collection[model.Result]
	logger  *slog.Logger
}

// NewWriter creates a Writer storing into results.
func NewWriter(results *storage.Collection[model.Result], logger *slog.Logger) *Writer {
	return &Writer{results: results, logger: logger}
}

// Write normalizes in and stores it. A second write for the same run fails
// with Invariant.
func (w *Writer) Write(_ context.Context, in WriteInput) (model.Result, error) {
	res, err := Build(in)
	if err != nil {
		return model.Result{}, err
	}
	if err := w.results.Create(res); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return model.Result{}, apperr.New(apperr.Invariant, "",
				"result for runner %s run %d was already written", in.RunnerID, in.RunID)
		}
		return model.Result{}, apperr.Wrap(apperr.IO, "", err)
	}
	w.logger.Info("result written", "runner_id", in.RunnerID, "run_id", in.RunID, "result_id", res.GetID())
	return res, nil
}

// Build turns backend output into a normalized result document without
// storing it.
func Build(in WriteInput) (model.Result, error) {
	start := in.StartTime.UTC().Truncate(time.Second)
	end := in.EndTime.UTC().Truncate(time.Second)
	if end.Before(start) {
		end = start
	}

	recipeByID := make(map[string]model.Recipe, len(in.Recipes))
	for _, r := range in.Recipes {
		recipeByID[r.ID] = r
	}

	details := make(map[string][]model.ResultDetail, len(in.Recipes))
	seen := make(map[Key]struct{})
	totalPrompts := 0
	if in.Output != nil {
		for _, rec := range in.Output.Records {
			k, err := ParseKey(rec.Key)
			if err != nil {
				return model.Result{}, err
			}
			if _, ok := recipeByID[k.Recipe]; !ok {
				return model.Result{}, apperr.New(apperr.Invariant, "",
					"result record %q refers to recipe %s which was not part of the run", rec.Key, k.Recipe)
			}
			if _, dup := seen[k]; dup {
				return model.Result{}, apperr.New(apperr.Invariant, "", "duplicate result record %q", rec.Key)
			}
			seen[k] = struct{}{}
			metrics := rec.Metrics
			if metrics == nil {
				metrics = []model.MetricScore{}
			}
			details[k.Recipe] = append(details[k.Recipe], model.ResultDetail{
				Key:          k.String(),
				NumOfPrompts: rec.NumOfPrompts,
				Metrics:      metrics,
			})
			totalPrompts += rec.NumOfPrompts
		}
	}

	recipeResults := make(map[string]model.RecipeResult, len(in.Recipes))
	for _, r := range in.Recipes {
		d := details[r.ID]
		if d == nil {
			d = []model.ResultDetail{}
		}
		recipeResults[r.ID] = model.RecipeResult{
			ID:                r.ID,
			Details:           d,
			EvaluationSummary: Summarize(d, r.GradingScale),
		}
	}

	meta := model.ResultMetadata{
		ID:                        in.RunnerID,
		RunID:                     in.RunID,
		StartTime:                 start,
		EndTime:                   end,
		Duration:                  int64(end.Sub(start) / time.Second),
		Status:                    model.RunStatusCompleted,
		Endpoints:                 in.Endpoints,
		NumOfPrompts:              totalPrompts,
		RandomSeed:                in.Args.RandomSeed,
		SystemPrompt:              in.Args.SystemPrompt,
		PromptSelectionPercentage: in.Args.PromptSelectionPercentage,
		RunnerProcessingModule:    in.Args.RunnerProcessingModule,
		ResultProcessingModule:    in.Args.ResultProcessingModule,
	}
	if meta.Endpoints == nil {
		meta.Endpoints = []string{}
	}

	var tree model.ResultTree
	if in.Args.Type == model.RunTypeCookbook {
		meta.Cookbooks = cookbookIDs(in.Cookbooks)
		tree.Cookbooks = make([]model.CookbookResult, 0, len(in.Cookbooks))
		for _, cb := range in.Cookbooks {
			cr := model.CookbookResult{ID: cb.ID, Recipes: make([]model.RecipeResult, 0, len(cb.Recipes))}
			scales := make([]model.GradingScale, 0, len(cb.Recipes))
			for _, rid := range cb.Recipes {
				rr, ok := recipeResults[rid]
				if !ok {
					return model.Result{}, apperr.New(apperr.Invariant, "",
						"cookbook %s lists recipe %s which was not part of the run", cb.ID, rid)
				}
				cr.Recipes = append(cr.Recipes, rr)
				scales = append(scales, recipeByID[rid].GradingScale)
			}
			cr.OverallEvaluationSummary = Overall(cr.Recipes, scales)
			tree.Cookbooks = append(tree.Cookbooks, cr)
		}
	} else {
		meta.Recipes = make([]string, 0, len(in.Recipes))
		tree.Recipes = make([]model.RecipeResult, 0, len(in.Recipes))
		for _, r := range in.Recipes {
			meta.Recipes = append(meta.Recipes, r.ID)
			tree.Recipes = append(tree.Recipes, recipeResults[r.ID])
		}
	}

	scales := make(map[string]model.GradingScale, len(in.Recipes))
	for _, r := range in.Recipes {
		g := r.GradingScale
		if g == nil {
			g = model.GradingScale{}
		}
		scales[r.ID] = g
	}

	return model.Result{Metadata: meta, Results: tree, GradingScale: scales}, nil
}

func cookbookIDs(cbs []model.Cookbook) []string {
	ids := make([]string, len(cbs))
	for i, cb := range cbs {
		ids[i] = cb.ID
	}
	return ids
}

// Summarize computes the per-model rollup of a recipe's records: the mean
// of every numeric metric score and the grade that mean falls in. Models
// appear in first-seen order.
func Summarize(details []model.ResultDetail, scale model.GradingScale) []model.EvaluationSummary {
	type acc struct {
		prompts int
		sum     float64
		n       int
	}
	var order []string
	byModel := make(map[string]*acc)
	for _, d := range details {
		k, err := ParseKey(d.Key)
		if err != nil {
			continue
		}
		a, ok := byModel[k.Model]
		if !ok {
			a = &acc{}
			byModel[k.Model] = a
			order = append(order, k.Model)
		}
		a.prompts += d.NumOfPrompts
		for _, m := range d.Metrics {
			if m.Score == nil || math.IsNaN(*m.Score) || math.IsInf(*m.Score, 0) {
				continue
			}
			a.sum += *m.Score
			a.n++
		}
	}

	out := make([]model.EvaluationSummary, 0, len(order))
	for _, id := range order {
		a := byModel[id]
		s := model.EvaluationSummary{ModelID: id, NumOfPrompts: a.prompts, Grade: model.NoGrade}
		if a.n > 0 {
			avg := a.sum / float64(a.n)
			s.AvgGradeValue = &avg
			s.Grade, _ = scale.Grade(avg)
		}
		out = append(out, s)
	}
	return out
}

// Overall computes a cookbook's per-model grade: the lowest grade the model
// received across the cookbook's recipes, ranked within each recipe's own
// scale. A model with no grade in any recipe gets NoGrade. scales[i] is the
// grading scale of recipes[i].
func Overall(recipes []model.RecipeResult, scales []model.GradingScale) []model.OverallEvaluationSummary {
	type best struct {
		grade string
		rank  int
	}
	var order []string
	lowest := make(map[string]*best)
	for i, rr := range recipes {
		for _, s := range rr.EvaluationSummary {
			b, ok := lowest[s.ModelID]
			if !ok {
				b = &best{grade: model.NoGrade, rank: -1}
				lowest[s.ModelID] = b
				order = append(order, s.ModelID)
			}
			if s.Grade == model.NoGrade || i >= len(scales) {
				continue
			}
			rank := scales[i].Rank(s.Grade)
			if rank < 0 {
				continue
			}
			if b.rank < 0 || rank < b.rank {
				b.grade, b.rank = s.Grade, rank
			}
		}
	}

	out := make([]model.OverallEvaluationSummary, 0, len(order))
	for _, id := range order {
		out = append(out, model.OverallEvaluationSummary{ModelID: id, OverallGrade: lowest[id].grade})
	}
	return out
}
