package control

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/slug"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names so messages match what callers sent.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// check validates a request struct, reporting the first failing field as a
// Validation error.
func check(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Wrap(apperr.Validation, "", err)
	}
	return apperr.New(apperr.Validation, "", "%s", describe(verrs[0]))
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	if ns := fe.Namespace(); strings.Contains(ns, "[") {
		// Report the element, e.g. "datasets[1]".
		if i := strings.Index(ns, "."); i >= 0 {
			field = ns[i+1:]
		}
	}
	isList := fe.Kind() == reflect.Slice || fe.Kind() == reflect.Map
	switch fe.Tag() {
	case "required":
		if isList {
			return fmt.Sprintf("%s must not be empty", field)
		}
		return fmt.Sprintf("%s is required", field)
	case "min", "gte":
		if isList {
			return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

// deriveID computes the id for a new artifact, rejecting explicit ids that
// disagree with the slug of name.
func deriveID(name, explicit string) (string, error) {
	id, reason, ok := slug.Derive(name, explicit)
	if !ok {
		return "", apperr.New(apperr.Validation, "", "%s", reason)
	}
	return id, nil
}

// renameCheck allows a display-name change only when it keeps the id.
func renameCheck(id string, name *string) error {
	if name == nil {
		return nil
	}
	if got := slug.Make(*name); got != id {
		return apperr.New(apperr.Validation, "",
			"name %q would change the id from %s to %s; ids are immutable", *name, id, got)
	}
	return nil
}

// DatasetInput creates a dataset.
type DatasetInput struct {
	ID          string           `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string           `json:"name" yaml:"name" validate:"required"`
	Description string           `json:"description" yaml:"description"`
	License     string           `json:"license" yaml:"license"`
	Reference   string           `json:"reference" yaml:"reference"`
	Examples    []map[string]any `json:"examples" yaml:"examples"`
}

// PromptTemplateInput creates a prompt template.
type PromptTemplateInput struct {
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description" yaml:"description"`
	Template    string `json:"template" yaml:"template" validate:"required"`
}

// MetricInput creates a metric.
type MetricInput struct {
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description" yaml:"description"`
}

// EndpointInput creates an endpoint.
type EndpointInput struct {
	ID                string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name              string         `json:"name" yaml:"name" validate:"required"`
	ConnectorType     string         `json:"connector_type" yaml:"connector_type" validate:"required"`
	URI               string         `json:"uri" yaml:"uri"`
	Token             string         `json:"token" yaml:"token"`
	Model             string         `json:"model" yaml:"model"`
	MaxCallsPerSecond int            `json:"max_calls_per_second" yaml:"max_calls_per_second" validate:"gte=1"`
	MaxConcurrency    int            `json:"max_concurrency" yaml:"max_concurrency" validate:"gte=1"`
	Params            map[string]any `json:"params" yaml:"params"`
}

// EndpointUpdate changes the supplied fields of an endpoint.
type EndpointUpdate struct {
	Name              *string        `json:"name,omitempty" yaml:"name,omitempty"`
	ConnectorType     *string        `json:"connector_type,omitempty" yaml:"connector_type,omitempty" validate:"omitempty,min=1"`
	URI               *string        `json:"uri,omitempty" yaml:"uri,omitempty"`
	Token             *string        `json:"token,omitempty" yaml:"token,omitempty"`
	Model             *string        `json:"model,omitempty" yaml:"model,omitempty"`
	MaxCallsPerSecond *int           `json:"max_calls_per_second,omitempty" yaml:"max_calls_per_second,omitempty" validate:"omitempty,gte=1"`
	MaxConcurrency    *int           `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty" validate:"omitempty,gte=1"`
	Params            map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// RecipeInput creates a recipe.
type RecipeInput struct {
	ID              string             `json:"id,omitempty" yaml:"id,omitempty"`
	Name            string             `json:"name" yaml:"name" validate:"required"`
	Description     string             `json:"description" yaml:"description"`
	Tags            []string           `json:"tags" yaml:"tags" validate:"dive,required"`
	Categories      []string           `json:"categories" yaml:"categories" validate:"dive,required"`
	Datasets        []string           `json:"datasets" yaml:"datasets" validate:"required,min=1,dive,required"`
	PromptTemplates []string           `json:"prompt_templates" yaml:"prompt_templates" validate:"dive,required"`
	Metrics         []string           `json:"metrics" yaml:"metrics" validate:"required,min=1,dive,required"`
	GradingScale    model.GradingScale `json:"grading_scale" yaml:"grading_scale"`
}

// RecipeUpdate changes the supplied fields of a recipe.
type RecipeUpdate struct {
	Name            *string             `json:"name,omitempty" yaml:"name,omitempty"`
	Description     *string             `json:"description,omitempty" yaml:"description,omitempty"`
	Tags            *[]string           `json:"tags,omitempty" yaml:"tags,omitempty"`
	Categories      *[]string           `json:"categories,omitempty" yaml:"categories,omitempty"`
	Datasets        *[]string           `json:"datasets,omitempty" yaml:"datasets,omitempty" validate:"omitempty,min=1,dive,required"`
	PromptTemplates *[]string           `json:"prompt_templates,omitempty" yaml:"prompt_templates,omitempty" validate:"omitempty,dive,required"`
	Metrics         *[]string           `json:"metrics,omitempty" yaml:"metrics,omitempty" validate:"omitempty,min=1,dive,required"`
	GradingScale    *model.GradingScale `json:"grading_scale,omitempty" yaml:"grading_scale,omitempty"`
}

// CookbookInput creates a cookbook.
type CookbookInput struct {
	ID          string   `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Description string   `json:"description" yaml:"description"`
	Tags        []string `json:"tags" yaml:"tags" validate:"dive,required"`
	Categories  []string `json:"categories" yaml:"categories" validate:"dive,required"`
	Recipes     []string `json:"recipes" yaml:"recipes" validate:"required,min=1,dive,required"`
}

// CookbookUpdate changes the supplied fields of a cookbook.
type CookbookUpdate struct {
	Name        *string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description *string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        *[]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Categories  *[]string `json:"categories,omitempty" yaml:"categories,omitempty"`
	Recipes     *[]string `json:"recipes,omitempty" yaml:"recipes,omitempty" validate:"omitempty,min=1,dive,required"`
}

// BookmarkInput creates a bookmark.
type BookmarkInput struct {
	Name            string `json:"name" yaml:"name" validate:"required"`
	Prompt          string `json:"prompt" yaml:"prompt" validate:"required"`
	PreparedPrompt  string `json:"prepared_prompt" yaml:"prepared_prompt"`
	Response        string `json:"response" yaml:"response"`
	ContextStrategy string `json:"context_strategy,omitempty" yaml:"context_strategy,omitempty"`
	PromptTemplate  string `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`
	AttackModule    string `json:"attack_module,omitempty" yaml:"attack_module,omitempty"`
	Metric          string `json:"metric,omitempty" yaml:"metric,omitempty"`
}

// RunRequest starts a cookbook or recipe run. Targets are cookbook ids for
// cookbook runs and recipe ids for recipe runs. Endpoints are used only when
// the runner named by RunName does not exist yet.
type RunRequest struct {
	RunName                   string   `json:"run_name" validate:"required"`
	Description               string   `json:"description"`
	Endpoints                 []string `json:"endpoints" validate:"dive,required"`
	Targets                   []string `json:"targets" validate:"required,min=1,dive,required"`
	PromptSelectionPercentage int      `json:"prompt_selection_percentage" validate:"gte=1,lte=100"`
	RandomSeed                int64    `json:"random_seed"`
	SystemPrompt              string   `json:"system_prompt"`
	RunnerProcessingModule    string   `json:"runner_processing_module" validate:"required"`
	ResultProcessingModule    string   `json:"result_processing_module" validate:"required"`
}
