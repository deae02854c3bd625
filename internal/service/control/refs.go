package control

import (
	"errors"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
)

// refChecker verifies that referenced artifacts exist.
type refChecker struct {
	store *storage.Store
}

func missing(label, id string) error {
	return apperr.New(apperr.Validation, "", "%s %s does not exist.", label, id)
}

func exists[T storage.Identifiable](c *storage.Collection[T], label string, ids []string) error {
	for _, id := range ids {
		ok, err := c.Exists(id)
		if err != nil {
			return apperr.Wrap(apperr.IO, "", err)
		}
		if !ok {
			return missing(label, id)
		}
	}
	return nil
}

func (r refChecker) datasets(ids []string) error {
	return exists(r.store.Datasets, "Dataset", ids)
}

func (r refChecker) promptTemplates(ids []string) error {
	return exists(r.store.PromptTemplates, "Prompt template", ids)
}

func (r refChecker) metrics(ids []string) error {
	return exists(r.store.Metrics, "Metric", ids)
}

func (r refChecker) endpoints(ids []string) error {
	return exists(r.store.Endpoints, "Endpoint", ids)
}

// recipe checks every reference of a recipe definition.
func (r refChecker) recipe(datasets, promptTemplates, metrics []string) error {
	if err := r.datasets(datasets); err != nil {
		return err
	}
	if err := r.promptTemplates(promptTemplates); err != nil {
		return err
	}
	return r.metrics(metrics)
}

// loadRecipe reads a recipe a cookbook or run refers to. A missing recipe is
// a Validation failure of the referrer, not a NotFound.
func (r refChecker) loadRecipe(id string) (model.Recipe, error) {
	rec, err := r.store.Recipes.Read(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Recipe{}, apperr.New(apperr.Validation, "", "recipe %s does not exist", id)
		}
		return model.Recipe{}, apperr.Wrap(apperr.IO, "", err)
	}
	return rec, nil
}

func (r refChecker) recipes(ids []string) error {
	for _, id := range ids {
		if _, err := r.loadRecipe(id); err != nil {
			return err
		}
	}
	return nil
}

func (r refChecker) loadCookbook(id string) (model.Cookbook, error) {
	cb, err := r.store.Cookbooks.Read(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Cookbook{}, apperr.New(apperr.Validation, "", "cookbook %s does not exist", id)
		}
		return model.Cookbook{}, apperr.Wrap(apperr.IO, "", err)
	}
	return cb, nil
}

// loadEndpoints resolves endpoint ids in order.
func (r refChecker) loadEndpoints(ids []string) ([]model.Endpoint, error) {
	out := make([]model.Endpoint, 0, len(ids))
	for _, id := range ids {
		ep, err := r.store.Endpoints.Read(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, missing("Endpoint", id)
			}
			return nil, apperr.Wrap(apperr.IO, "", err)
		}
		out = append(out, ep)
	}
	return out, nil
}
