package results

import (
	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
)

// View is a result reshaped into a nested tree for display.
type View struct {
	Metadata     model.ResultMetadata          `json:"metadata"`
	Results      ViewTree                      `json:"results"`
	GradingScale map[string]model.GradingScale `json:"grading_scale"`
}

// ViewTree mirrors model.ResultTree: cookbook runs are rooted at cookbooks,
// recipe runs at recipes.
type ViewTree struct {
	Cookbooks []ViewCookbook `json:"cookbooks,omitempty"`
	Recipes   []ViewRecipe   `json:"recipes,omitempty"`
}

type ViewCookbook struct {
	ID                       string                           `json:"id"`
	Recipes                  []ViewRecipe                     `json:"recipes"`
	OverallEvaluationSummary []model.OverallEvaluationSummary `json:"overall_evaluation_summary"`
}

type ViewRecipe struct {
	ID                string                    `json:"id"`
	Models            []ViewModel               `json:"models"`
	EvaluationSummary []model.EvaluationSummary `json:"evaluation_summary"`
}

type ViewModel struct {
	ID       string        `json:"id"`
	Datasets []ViewDataset `json:"datasets"`
}

type ViewDataset struct {
	ID              string               `json:"id"`
	PromptTemplates []ViewPromptTemplate `json:"prompt_templates"`
}

type ViewPromptTemplate struct {
	ID           string              `json:"id"`
	NumOfPrompts int                 `json:"num_of_prompts"`
	Metrics      []model.MetricScore `json:"metrics"`
}

// Reshape converts res into its view form. Every flat record appears exactly
// once in the tree; records sharing a (model, dataset) pair are merged with
// their prompt templates kept in first-seen order.
func Reshape(res model.Result) (View, error) {
	v := View{Metadata: res.Metadata, GradingScale: res.GradingScale}
	if res.Results.Cookbooks != nil {
		v.Results.Cookbooks = make([]ViewCookbook, 0, len(res.Results.Cookbooks))
		for _, cb := range res.Results.Cookbooks {
			vc := ViewCookbook{
				ID:                       cb.ID,
				Recipes:                  make([]ViewRecipe, 0, len(cb.Recipes)),
				OverallEvaluationSummary: cb.OverallEvaluationSummary,
			}
			for _, rr := range cb.Recipes {
				vr, err := reshapeRecipe(rr)
				if err != nil {
					return View{}, err
				}
				vc.Recipes = append(vc.Recipes, vr)
			}
			v.Results.Cookbooks = append(v.Results.Cookbooks, vc)
		}
	}
	if res.Results.Recipes != nil {
		v.Results.Recipes = make([]ViewRecipe, 0, len(res.Results.Recipes))
		for _, rr := range res.Results.Recipes {
			vr, err := reshapeRecipe(rr)
			if err != nil {
				return View{}, err
			}
			v.Results.Recipes = append(v.Results.Recipes, vr)
		}
	}
	return v, nil
}

func reshapeRecipe(rr model.RecipeResult) (ViewRecipe, error) {
	vr := ViewRecipe{ID: rr.ID, Models: []ViewModel{}, EvaluationSummary: rr.EvaluationSummary}
	if vr.EvaluationSummary == nil {
		vr.EvaluationSummary = []model.EvaluationSummary{}
	}

	type pos struct{ model, dataset int }
	modelIdx := make(map[string]int)
	datasetIdx := make(map[[2]string]pos)
	seen := make(map[Key]struct{}, len(rr.Details))

	for _, d := range rr.Details {
		k, err := ParseKey(d.Key)
		if err != nil {
			return ViewRecipe{}, err
		}
		if k.Recipe != rr.ID {
			return ViewRecipe{}, apperr.New(apperr.Invariant, "",
				"record %q is stored under recipe %s", d.Key, rr.ID)
		}
		if _, dup := seen[k]; dup {
			return ViewRecipe{}, apperr.New(apperr.Invariant, "", "duplicate result record %q", d.Key)
		}
		seen[k] = struct{}{}

		mi, ok := modelIdx[k.Model]
		if !ok {
			mi = len(vr.Models)
			modelIdx[k.Model] = mi
			vr.Models = append(vr.Models, ViewModel{ID: k.Model, Datasets: []ViewDataset{}})
		}
		p, ok := datasetIdx[[2]string{k.Model, k.Dataset}]
		if !ok {
			p = pos{model: mi, dataset: len(vr.Models[mi].Datasets)}
			datasetIdx[[2]string{k.Model, k.Dataset}] = p
			vr.Models[mi].Datasets = append(vr.Models[mi].Datasets,
				ViewDataset{ID: k.Dataset, PromptTemplates: []ViewPromptTemplate{}})
		}
		metrics := d.Metrics
		if metrics == nil {
			metrics = []model.MetricScore{}
		}
		ds := &vr.Models[p.model].Datasets[p.dataset]
		ds.PromptTemplates = append(ds.PromptTemplates, ViewPromptTemplate{
			ID:           k.PromptTemplate,
			NumOfPrompts: d.NumOfPrompts,
			Metrics:      metrics,
		})
	}
	return vr, nil
}
