package control

import (
	"context"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/query"
)

func checkScale(g model.GradingScale) error {
	if err := g.Validate(); err != nil {
		return apperr.New(apperr.Validation, "", "invalid grading scale: %v", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// recipeStats derives a recipe's stats. Prompt counts come from the
// referenced datasets.
func (s *Service) recipeStats(r model.Recipe) model.RecipeStats {
	st := model.RecipeStats{
		NumOfTags:            len(r.Tags),
		NumOfDatasets:        len(r.Datasets),
		NumOfPromptTemplates: len(r.PromptTemplates),
		NumOfMetrics:         len(r.Metrics),
		NumOfDatasetsPrompts: make(map[string]int, len(r.Datasets)),
	}
	for _, id := range r.Datasets {
		ds, err := s.store.Datasets.Read(id)
		if err != nil {
			s.logger.Warn("control: dataset unavailable for recipe stats", "recipe_id", r.ID, "dataset_id", id, "error", err)
			continue
		}
		st.NumOfDatasetsPrompts[id] = ds.NumPrompts
	}
	return st
}

// CreateRecipe stores a new recipe after checking its references and
// grading scale.
func (s *Service) CreateRecipe(_ context.Context, in RecipeInput) (model.Recipe, error) {
	const op = "create_recipe"
	if err := check(in); err != nil {
		return model.Recipe{}, fail(op, err)
	}
	id, err := deriveID(in.Name, in.ID)
	if err != nil {
		return model.Recipe{}, fail(op, err)
	}
	if err := checkScale(in.GradingScale); err != nil {
		return model.Recipe{}, fail(op, err)
	}
	if err := s.refs.recipe(in.Datasets, in.PromptTemplates, in.Metrics); err != nil {
		return model.Recipe{}, fail(op, err)
	}
	scale := in.GradingScale
	if scale == nil {
		scale = model.GradingScale{}
	}
	r := model.Recipe{
		ID:              id,
		Name:            in.Name,
		Description:     in.Description,
		Tags:            nonNil(in.Tags),
		Categories:      nonNil(in.Categories),
		Datasets:        in.Datasets,
		PromptTemplates: nonNil(in.PromptTemplates),
		Metrics:         in.Metrics,
		GradingScale:    scale,
		CreatedDate:     s.now(),
	}
	r.Stats = s.recipeStats(r)
	if err := createOne(s.store.Recipes, r); err != nil {
		return model.Recipe{}, fail(op, err)
	}
	s.logger.Info("recipe created", "recipe_id", id)
	return r, nil
}

func (s *Service) GetRecipe(id string) (model.Recipe, error) {
	r, err := getOne(s.store.Recipes, id)
	if err != nil {
		return model.Recipe{}, fail("get_recipe", err)
	}
	return r, nil
}

func (s *Service) ListRecipes(opts query.Options) ([]query.Item[model.Recipe], error) {
	items, err := listAll(s.store.Recipes, opts)
	if err != nil {
		return nil, fail("list_recipes", err)
	}
	return items, nil
}

func (s *Service) RecipeIDs() ([]string, error) {
	out, err := ids(s.store.Recipes)
	if err != nil {
		return nil, fail("list_recipe_names", err)
	}
	return out, nil
}

// UpdateRecipe applies the supplied fields. Changed references and grading
// scales are checked like on create, and stats are recomputed.
func (s *Service) UpdateRecipe(_ context.Context, id string, in RecipeUpdate) (model.Recipe, error) {
	const op = "update_recipe"
	if err := check(in); err != nil {
		return model.Recipe{}, fail(op, err)
	}
	if err := renameCheck(id, in.Name); err != nil {
		return model.Recipe{}, fail(op, err)
	}
	if in.GradingScale != nil {
		if err := checkScale(*in.GradingScale); err != nil {
			return model.Recipe{}, fail(op, err)
		}
	}
	r, err := s.store.Recipes.Update(id, func(r *model.Recipe) error {
		setIf(&r.Name, in.Name)
		setIf(&r.Description, in.Description)
		setIf(&r.Tags, in.Tags)
		setIf(&r.Categories, in.Categories)
		setIf(&r.Datasets, in.Datasets)
		setIf(&r.PromptTemplates, in.PromptTemplates)
		setIf(&r.Metrics, in.Metrics)
		setIf(&r.GradingScale, in.GradingScale)
		r.Tags = nonNil(r.Tags)
		r.Categories = nonNil(r.Categories)
		r.PromptTemplates = nonNil(r.PromptTemplates)
		if r.GradingScale == nil {
			r.GradingScale = model.GradingScale{}
		}
		if err := s.refs.recipe(r.Datasets, r.PromptTemplates, r.Metrics); err != nil {
			return err
		}
		r.Stats = s.recipeStats(*r)
		return nil
	})
	if err != nil {
		return model.Recipe{}, fail(op, storeErr(s.store.Recipes.Kind(), id, err))
	}
	return r, nil
}

func (s *Service) DeleteRecipe(id string) error {
	if err := deleteOne(s.store.Recipes, id); err != nil {
		return fail("delete_recipe", err)
	}
	s.logger.Info("recipe deleted", "recipe_id", id)
	return nil
}

// --- cookbooks ---

// CreateCookbook stores a new cookbook after checking that its recipes
// exist.
func (s *Service) CreateCookbook(_ context.Context, in CookbookInput) (model.Cookbook, error) {
	const op = "create_cookbook"
	if err := check(in); err != nil {
		return model.Cookbook{}, fail(op, err)
	}
	id, err := deriveID(in.Name, in.ID)
	if err != nil {
		return model.Cookbook{}, fail(op, err)
	}
	if err := s.refs.recipes(in.Recipes); err != nil {
		return model.Cookbook{}, fail(op, err)
	}
	cb := model.Cookbook{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		Tags:        nonNil(in.Tags),
		Categories:  nonNil(in.Categories),
		Recipes:     in.Recipes,
		CreatedDate: s.now(),
	}
	if err := createOne(s.store.Cookbooks, cb); err != nil {
		return model.Cookbook{}, fail(op, err)
	}
	s.logger.Info("cookbook created", "cookbook_id", id, "recipes", len(cb.Recipes))
	return cb, nil
}

// GetCookbook returns a cookbook. A cookbook whose recipes no longer all
// exist fails with Validation.
func (s *Service) GetCookbook(id string) (model.Cookbook, error) {
	const op = "get_cookbook"
	cb, err := getOne(s.store.Cookbooks, id)
	if err != nil {
		return model.Cookbook{}, fail(op, err)
	}
	if err := s.refs.recipes(cb.Recipes); err != nil {
		return model.Cookbook{}, fail(op, err)
	}
	return cb, nil
}

func (s *Service) ListCookbooks(opts query.Options) ([]query.Item[model.Cookbook], error) {
	items, err := listAll(s.store.Cookbooks, opts)
	if err != nil {
		return nil, fail("list_cookbooks", err)
	}
	return items, nil
}

func (s *Service) CookbookIDs() ([]string, error) {
	out, err := ids(s.store.Cookbooks)
	if err != nil {
		return nil, fail("list_cookbook_names", err)
	}
	return out, nil
}

// UpdateCookbook applies the supplied fields, checking changed recipe
// references.
func (s *Service) UpdateCookbook(_ context.Context, id string, in CookbookUpdate) (model.Cookbook, error) {
	const op = "update_cookbook"
	if err := check(in); err != nil {
		return model.Cookbook{}, fail(op, err)
	}
	if err := renameCheck(id, in.Name); err != nil {
		return model.Cookbook{}, fail(op, err)
	}
	if in.Recipes != nil {
		if err := s.refs.recipes(*in.Recipes); err != nil {
			return model.Cookbook{}, fail(op, err)
		}
	}
	cb, err := s.store.Cookbooks.Update(id, func(cb *model.Cookbook) error {
		setIf(&cb.Name, in.Name)
		setIf(&cb.Description, in.Description)
		setIf(&cb.Tags, in.Tags)
		setIf(&cb.Categories, in.Categories)
		setIf(&cb.Recipes, in.Recipes)
		cb.Tags = nonNil(cb.Tags)
		cb.Categories = nonNil(cb.Categories)
		return nil
	})
	if err != nil {
		return model.Cookbook{}, fail(op, storeErr(s.store.Cookbooks.Kind(), id, err))
	}
	return cb, nil
}

func (s *Service) DeleteCookbook(id string) error {
	if err := deleteOne(s.store.Cookbooks, id); err != nil {
		return fail("delete_cookbook", err)
	}
	s.logger.Info("cookbook deleted", "cookbook_id", id)
	return nil
}
