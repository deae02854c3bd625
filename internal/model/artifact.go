// Package model defines the domain types for kensa.
//
// Artifacts are persisted as JSON documents, one per id; their JSON field
// names are the wire names used by the HTTP API and the result files.
package model

import (
	"strings"
	"time"
)

// Dataset is a named collection of prompt examples. Immutable once created.
type Dataset struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	License     string           `json:"license"`
	Reference   string           `json:"reference"`
	NumPrompts  int              `json:"num_prompts"`
	Examples    []map[string]any `json:"examples,omitempty"`
	CreatedDate time.Time        `json:"created_date"`
}

func (d Dataset) GetID() string   { return d.ID }
func (d Dataset) GetName() string { return d.Name }

// Summary returns d without its examples, for listings.
func (d Dataset) Summary() Dataset {
	d.Examples = nil
	return d
}

// PromptTemplate is a named template string. Immutable once created.
type PromptTemplate struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Template    string    `json:"template"`
	CreatedDate time.Time `json:"created_date"`
}

func (p PromptTemplate) GetID() string   { return p.ID }
func (p PromptTemplate) GetName() string { return p.Name }

// Metric describes a scoring function. The body is executed by the runner
// backend; kensa only tracks its identity.
type Metric struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedDate time.Time `json:"created_date"`
}

func (m Metric) GetID() string   { return m.ID }
func (m Metric) GetName() string { return m.Name }

// Endpoint holds the connection details and limits for one model endpoint.
type Endpoint struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	ConnectorType     string         `json:"connector_type"`
	URI               string         `json:"uri"`
	Token             string         `json:"token"`
	Model             string         `json:"model"`
	MaxCallsPerSecond int            `json:"max_calls_per_second"`
	MaxConcurrency    int            `json:"max_concurrency"`
	Params            map[string]any `json:"params"`
	CreatedDate       time.Time      `json:"created_date"`
}

func (e Endpoint) GetID() string   { return e.ID }
func (e Endpoint) GetName() string { return e.Name }

// Masked returns a copy of e whose token is replaced by "*" repeated once
// per rune of the original.
func (e Endpoint) Masked() Endpoint {
	e.Token = MaskToken(e.Token)
	return e
}

// MaskToken returns a mask of the same rune length as token.
func MaskToken(token string) string {
	return strings.Repeat("*", len([]rune(token)))
}

// RecipeStats is derived from a recipe's definition when it is saved.
type RecipeStats struct {
	NumOfTags            int            `json:"num_of_tags"`
	NumOfDatasets        int            `json:"num_of_datasets"`
	NumOfPromptTemplates int            `json:"num_of_prompt_templates"`
	NumOfMetrics         int            `json:"num_of_metrics"`
	NumOfDatasetsPrompts map[string]int `json:"num_of_datasets_prompts"`
}

// Recipe is a reusable evaluation definition.
type Recipe struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	Tags            []string     `json:"tags"`
	Categories      []string     `json:"categories"`
	Datasets        []string     `json:"datasets"`
	PromptTemplates []string     `json:"prompt_templates"`
	Metrics         []string     `json:"metrics"`
	GradingScale    GradingScale `json:"grading_scale"`
	Stats           RecipeStats  `json:"stats"`
	CreatedDate     time.Time    `json:"created_date"`
}

func (r Recipe) GetID() string          { return r.ID }
func (r Recipe) GetName() string        { return r.Name }
func (r Recipe) TagList() []string      { return r.Tags }
func (r Recipe) CategoryList() []string { return r.Categories }

// Cookbook is an ordered collection of recipes.
type Cookbook struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	Categories  []string  `json:"categories"`
	Recipes     []string  `json:"recipes"`
	CreatedDate time.Time `json:"created_date"`
}

func (c Cookbook) GetID() string          { return c.ID }
func (c Cookbook) GetName() string        { return c.Name }
func (c Cookbook) TagList() []string      { return c.Tags }
func (c Cookbook) CategoryList() []string { return c.Categories }

// Bookmark saves a single prompt/response pair for later review.
type Bookmark struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Prompt          string    `json:"prompt"`
	PreparedPrompt  string    `json:"prepared_prompt"`
	Response        string    `json:"response"`
	ContextStrategy string    `json:"context_strategy,omitempty"`
	PromptTemplate  string    `json:"prompt_template,omitempty"`
	AttackModule    string    `json:"attack_module,omitempty"`
	Metric          string    `json:"metric,omitempty"`
	BookmarkTime    time.Time `json:"bookmark_time"`
}

func (b Bookmark) GetID() string   { return b.ID }
func (b Bookmark) GetName() string { return b.Name }
