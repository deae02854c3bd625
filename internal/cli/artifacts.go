package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/query"
	"github.com/ashita-ai/kensa/internal/service/control"
)

type commandSet interface {
	commands() []*cobra.Command
}

// artifactKind derives the list_, view_ and delete_ commands of one kind;
// add_ and update_ are supplied per kind.
type artifactKind[T query.Identified] struct {
	s       *session
	noun    string // command suffix, e.g. "prompt_template"
	plural  string
	label   string // human name, e.g. "prompt template"
	tagged  bool
	headers []string
	row     func(T) []string

	list   func(*control.Service, query.Options) ([]query.Item[T], error)
	get    func(*control.Service, string) (T, error)
	remove func(*control.Service, string) error

	add    *cobra.Command
	update *cobra.Command
}

func (k *artifactKind[T]) commands() []*cobra.Command {
	var cmds []*cobra.Command
	if k.add != nil {
		cmds = append(cmds, k.add)
	}
	cmds = append(cmds, k.listCommand(), k.viewCommand())
	if k.update != nil {
		cmds = append(cmds, k.update)
	}
	return append(cmds, k.deleteCommand())
}

func (k *artifactKind[T]) listCommand() *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "list_" + k.plural,
		Short: fmt.Sprintf("List %ss", k.label),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			svc, err := k.s.service(cmd.Context())
			if err != nil {
				return err
			}
			items, err := k.list(svc, opts)
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd, items)
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintf(out, "No %ss found.\n", k.label)
				return nil
			}
			rows := make([][]string, 0, len(items))
			for i, it := range items {
				idx := it.Idx
				if idx == 0 {
					idx = i + 1
				}
				rows = append(rows, append([]string{itoa(idx)}, k.row(it.Value)...))
			}
			return renderRows(out, append([]string{"#"}, k.headers...), rows)
		},
	}
	f.register(cmd, k.tagged)
	return cmd
}

func (k *artifactKind[T]) viewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "view_" + k.noun + " ID",
		Short: fmt.Sprintf("View a %s", k.label),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := k.s.service(cmd.Context())
			if err != nil {
				return err
			}
			v, err := k.get(svc, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, v)
		},
	}
}

func (k *artifactKind[T]) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete_" + k.noun + " ID",
		Short: fmt.Sprintf("Delete a %s", k.label),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !k.s.confirm(fmt.Sprintf("Are you sure you want to delete the %s (%s)?", k.label, id)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}
			svc, err := k.s.service(cmd.Context())
			if err != nil {
				return err
			}
			if err := k.remove(svc, id); err != nil {
				return err
			}
			k.s.success("Deleted %s %s", k.label, id)
			return nil
		},
	}
}

func artifactKinds(s *session) []commandSet {
	return []commandSet{
		&artifactKind[model.Dataset]{
			s: s, noun: "dataset", plural: "datasets", label: "dataset",
			headers: []string{"ID", "Name", "Prompts", "Description"},
			row: func(d model.Dataset) []string {
				return []string{d.ID, d.Name, itoa(d.NumPrompts), truncate(d.Description, 60)}
			},
			list:   (*control.Service).ListDatasets,
			get:    (*control.Service).GetDataset,
			remove: (*control.Service).DeleteDataset,
			add:    s.addDatasetCommand(),
		},
		&artifactKind[model.PromptTemplate]{
			s: s, noun: "prompt_template", plural: "prompt_templates", label: "prompt template",
			headers: []string{"ID", "Name", "Description", "Template"},
			row: func(p model.PromptTemplate) []string {
				return []string{p.ID, p.Name, truncate(p.Description, 40), truncate(p.Template, 60)}
			},
			list:   (*control.Service).ListPromptTemplates,
			get:    (*control.Service).GetPromptTemplate,
			remove: (*control.Service).DeletePromptTemplate,
			add:    s.addPromptTemplateCommand(),
		},
		&artifactKind[model.Metric]{
			s: s, noun: "metric", plural: "metrics", label: "metric",
			headers: []string{"ID", "Name", "Description"},
			row: func(m model.Metric) []string {
				return []string{m.ID, m.Name, truncate(m.Description, 80)}
			},
			list:   (*control.Service).ListMetrics,
			get:    (*control.Service).GetMetric,
			remove: (*control.Service).DeleteMetric,
			add:    s.addMetricCommand(),
		},
		&artifactKind[model.Endpoint]{
			s: s, noun: "endpoint", plural: "endpoints", label: "endpoint",
			headers: []string{"ID", "Name", "Connector", "Model", "Token", "Calls/s", "Concurrency"},
			row: func(e model.Endpoint) []string {
				return []string{e.ID, e.Name, e.ConnectorType, e.Model, truncate(e.Token, 12),
					itoa(e.MaxCallsPerSecond), itoa(e.MaxConcurrency)}
			},
			list:   (*control.Service).ListEndpoints,
			get:    (*control.Service).GetEndpoint,
			remove: (*control.Service).DeleteEndpoint,
			add:    s.addEndpointCommand(),
			update: s.updateEndpointCommand(),
		},
		&artifactKind[model.Recipe]{
			s: s, noun: "recipe", plural: "recipes", label: "recipe", tagged: true,
			headers: []string{"ID", "Name", "Datasets", "Metrics", "Prompt Templates", "Grades"},
			row: func(r model.Recipe) []string {
				grades := make([]string, 0, len(r.GradingScale))
				for _, b := range r.GradingScale.Bands() {
					grades = append(grades, fmt.Sprintf("%s [%g, %g]", b.Label, b.Lo, b.Hi))
				}
				return []string{r.ID, r.Name, joinList(r.Datasets), joinList(r.Metrics),
					joinList(r.PromptTemplates), joinList(grades)}
			},
			list:   (*control.Service).ListRecipes,
			get:    (*control.Service).GetRecipe,
			remove: (*control.Service).DeleteRecipe,
			add:    s.addRecipeCommand(),
			update: s.updateRecipeCommand(),
		},
		&artifactKind[model.Cookbook]{
			s: s, noun: "cookbook", plural: "cookbooks", label: "cookbook", tagged: true,
			headers: []string{"ID", "Name", "Description", "Recipes"},
			row: func(c model.Cookbook) []string {
				return []string{c.ID, c.Name, truncate(c.Description, 40), joinList(c.Recipes)}
			},
			list:   (*control.Service).ListCookbooks,
			get:    (*control.Service).GetCookbook,
			remove: (*control.Service).DeleteCookbook,
			add:    s.addCookbookCommand(),
			update: s.updateCookbookCommand(),
		},
	}
}

// create runs fn against the service and reports the new artifact's id.
func create[T query.Identified](s *session, cmd *cobra.Command, label string, fn func(context.Context, *control.Service) (T, error)) error {
	svc, err := s.service(cmd.Context())
	if err != nil {
		return err
	}
	v, err := fn(cmd.Context(), svc)
	if err != nil {
		return err
	}
	s.success("Created %s %s", label, v.GetID())
	return nil
}

// nameArg fills the name from the first argument when present. A name is
// required unless a file supplied one.
func nameArg(args []string, name *string) error {
	if len(args) > 0 {
		*name = args[0]
	}
	if *name == "" {
		return fmt.Errorf("a NAME argument or a --file with a name is required")
	}
	return nil
}

func (s *session) addDatasetCommand() *cobra.Command {
	var file, description, license, reference string
	cmd := &cobra.Command{
		Use:   "add_dataset [NAME]",
		Short: "Add a dataset",
		Long: `Add a dataset. Examples come from --file, a YAML or JSON document with the
dataset's fields; its "examples" key holds a list of objects.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in control.DatasetInput
			if file != "" {
				if err := loadFile(file, &in); err != nil {
					return err
				}
			}
			if err := nameArg(args, &in.Name); err != nil {
				return err
			}
			fl := cmd.Flags()
			if fl.Changed("description") {
				in.Description = description
			}
			if fl.Changed("license") {
				in.License = license
			}
			if fl.Changed("reference") {
				in.Reference = reference
			}
			return create(s, cmd, "dataset", func(ctx context.Context, svc *control.Service) (model.Dataset, error) {
				return svc.CreateDataset(ctx, in)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON dataset definition")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Dataset description")
	cmd.Flags().StringVar(&license, "license", "", "Dataset license")
	cmd.Flags().StringVar(&reference, "reference", "", "Where the dataset comes from")
	return cmd
}

func (s *session) addPromptTemplateCommand() *cobra.Command {
	var file, description string
	cmd := &cobra.Command{
		Use:   "add_prompt_template [NAME [TEMPLATE]]",
		Short: "Add a prompt template",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in control.PromptTemplateInput
			if file != "" {
				if err := loadFile(file, &in); err != nil {
					return err
				}
			}
			if err := nameArg(args, &in.Name); err != nil {
				return err
			}
			if len(args) > 1 {
				in.Template = args[1]
			}
			if cmd.Flags().Changed("description") {
				in.Description = description
			}
			return create(s, cmd, "prompt template", func(ctx context.Context, svc *control.Service) (model.PromptTemplate, error) {
				return svc.CreatePromptTemplate(ctx, in)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON prompt template definition")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Prompt template description")
	return cmd
}

func (s *session) addMetricCommand() *cobra.Command {
	var file, description string
	cmd := &cobra.Command{
		Use:   "add_metric [NAME]",
		Short: "Add a metric",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in control.MetricInput
			if file != "" {
				if err := loadFile(file, &in); err != nil {
					return err
				}
			}
			if err := nameArg(args, &in.Name); err != nil {
				return err
			}
			if cmd.Flags().Changed("description") {
				in.Description = description
			}
			return create(s, cmd, "metric", func(ctx context.Context, svc *control.Service) (model.Metric, error) {
				return svc.CreateMetric(ctx, in)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON metric definition")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Metric description")
	return cmd
}

// endpointFlags are shared by add_endpoint and update_endpoint.
type endpointFlags struct {
	connector, uri, token, model, params string
	callsPerSecond, concurrency          int
}

func (f *endpointFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.connector, "connector-type", "", "Connector type, e.g. openai-connector")
	fl.StringVar(&f.uri, "uri", "", "Endpoint URI")
	fl.StringVar(&f.token, "token", "", "Access token")
	fl.StringVar(&f.model, "model", "", "Model name")
	fl.IntVar(&f.callsPerSecond, "max-calls-per-second", 1, "Rate limit")
	fl.IntVar(&f.concurrency, "max-concurrency", 1, "Concurrent calls allowed")
	fl.StringVar(&f.params, "params", "", `Extra parameters as a JSON or Python dict, e.g. "{'timeout': 300}"`)
}

func (f *endpointFlags) parseParams() (map[string]any, error) {
	var params map[string]any
	if err := parseLiteral(f.params, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func (s *session) addEndpointCommand() *cobra.Command {
	var (
		file string
		f    endpointFlags
	)
	cmd := &cobra.Command{
		Use:   "add_endpoint [NAME]",
		Short: "Add an LLM endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := control.EndpointInput{MaxCallsPerSecond: 1, MaxConcurrency: 1}
			if file != "" {
				if err := loadFile(file, &in); err != nil {
					return err
				}
			}
			if err := nameArg(args, &in.Name); err != nil {
				return err
			}
			fl := cmd.Flags()
			if fl.Changed("connector-type") {
				in.ConnectorType = f.connector
			}
			if fl.Changed("uri") {
				in.URI = f.uri
			}
			if fl.Changed("token") {
				in.Token = f.token
			}
			if fl.Changed("model") {
				in.Model = f.model
			}
			if fl.Changed("max-calls-per-second") {
				in.MaxCallsPerSecond = f.callsPerSecond
			}
			if fl.Changed("max-concurrency") {
				in.MaxConcurrency = f.concurrency
			}
			if fl.Changed("params") {
				params, err := f.parseParams()
				if err != nil {
					return err
				}
				in.Params = params
			}
			return create(s, cmd, "endpoint", func(ctx context.Context, svc *control.Service) (model.Endpoint, error) {
				return svc.CreateEndpoint(ctx, in)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON endpoint definition")
	f.register(cmd)
	return cmd
}

func (s *session) updateEndpointCommand() *cobra.Command {
	var (
		name, file string
		legacy     bool
		f          endpointFlags
	)
	cmd := &cobra.Command{
		Use:   "update_endpoint ID",
		Short: "Update fields of an LLM endpoint",
		Long: `Update the given fields of an endpoint. With --legacy-args the second
argument is a list of (field, value) pairs, e.g. "[('model', 'gpt-4o')]".`,
		Args: legacyArgs(&legacy, cobra.ExactArgs(1), 2, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var up control.EndpointUpdate
			switch {
			case legacy:
				if err := parseUpdatePairs(args[1], &up); err != nil {
					return err
				}
			case file != "":
				if err := loadFile(file, &up); err != nil {
					return err
				}
			}
			fl := cmd.Flags()
			if fl.Changed("name") {
				up.Name = &name
			}
			if fl.Changed("connector-type") {
				up.ConnectorType = &f.connector
			}
			if fl.Changed("uri") {
				up.URI = &f.uri
			}
			if fl.Changed("token") {
				up.Token = &f.token
			}
			if fl.Changed("model") {
				up.Model = &f.model
			}
			if fl.Changed("max-calls-per-second") {
				up.MaxCallsPerSecond = &f.callsPerSecond
			}
			if fl.Changed("max-concurrency") {
				up.MaxConcurrency = &f.concurrency
			}
			if fl.Changed("params") {
				params, err := f.parseParams()
				if err != nil {
					return err
				}
				up.Params = params
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := svc.UpdateEndpoint(cmd.Context(), args[0], up); err != nil {
				return err
			}
			s.success("Updated endpoint %s", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name (must keep the same id)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON document with the fields to change")
	cmd.Flags().BoolVar(&legacy, "legacy-args", false, "Take the changes as a Python list of pairs")
	f.register(cmd)
	return cmd
}

// recipeFlags are shared by add_recipe and update_recipe.
type recipeFlags struct {
	description                                     string
	tags, categories, datasets, templates, metrics []string
	grades                                          []string
}

func (f *recipeFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.description, "description", "d", "", "Recipe description")
	fl.StringArrayVar(&f.tags, "tag", nil, "Tag (repeatable)")
	fl.StringArrayVar(&f.categories, "category", nil, "Category (repeatable)")
	fl.StringArrayVar(&f.datasets, "dataset", nil, "Dataset id (repeatable)")
	fl.StringArrayVar(&f.templates, "prompt-template", nil, "Prompt template id (repeatable)")
	fl.StringArrayVar(&f.metrics, "metric", nil, "Metric id (repeatable)")
	fl.StringArrayVar(&f.grades, "grade", nil, `Grade band LABEL=LO,HI (repeatable), e.g. "A=0.8,1"`)
}

// parseGrades reads LABEL=LO,HI bands into a grading scale.
func parseGrades(bands []string) (model.GradingScale, error) {
	scale := make(model.GradingScale, len(bands))
	for _, band := range bands {
		label, rng, ok := strings.Cut(band, "=")
		lo, hi, ok2 := strings.Cut(rng, ",")
		if !ok || !ok2 || strings.TrimSpace(label) == "" {
			return nil, fmt.Errorf("grade %q must look like LABEL=LO,HI", band)
		}
		l, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
		if err != nil {
			return nil, fmt.Errorf("grade %q: %w", band, err)
		}
		h, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
		if err != nil {
			return nil, fmt.Errorf("grade %q: %w", band, err)
		}
		scale[strings.TrimSpace(label)] = [2]float64{l, h}
	}
	return scale, nil
}

// legacyArgs validates positional arguments with plain, or with between lo
// and hi arguments when --legacy-args is set.
func legacyArgs(legacy *bool, plain cobra.PositionalArgs, lo, hi int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if *legacy {
			return cobra.RangeArgs(lo, hi)(cmd, args)
		}
		return plain(cmd, args)
	}
}

// parseUpdatePairs reads a Python list of (field, value) pairs into an
// update struct, rejecting unknown fields.
func parseUpdatePairs(lit string, target any) error {
	var pairs [][]json.RawMessage
	if err := parseLiteral(lit, &pairs); err != nil {
		return err
	}
	fields := make(map[string]json.RawMessage, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			return fmt.Errorf("update %s: each entry must be a (field, value) pair", lit)
		}
		var field string
		if err := json.Unmarshal(p[0], &field); err != nil {
			return fmt.Errorf("update %s: field names must be strings", lit)
		}
		fields[field] = p[1]
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return apperr.New(apperr.Validation, "", "update %s: %v", lit, err)
	}
	return nil
}

func (s *session) addRecipeCommand() *cobra.Command {
	var (
		file   string
		legacy bool
		f      recipeFlags
	)
	cmd := &cobra.Command{
		Use:   "add_recipe [NAME]",
		Short: "Add a recipe",
		Long: `Add a recipe over existing datasets, prompt templates and metrics.

With --legacy-args the arguments are positional and lists are Python literals:
  add_recipe --legacy-args NAME DESCRIPTION TAGS CATEGORIES DATASETS PROMPT_TEMPLATES METRICS [GRADING_SCALE]
  add_recipe --legacy-args "My Recipe" "desc" "['t']" "[]" "['ds1']" "[]" "['m1']" "{'A': [0, 1]}"`,
		Args: legacyArgs(&legacy, cobra.MaximumNArgs(1), 7, 8),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in control.RecipeInput
			if legacy {
				in.Name, in.Description = args[0], args[1]
				for i, dst := range []*[]string{&in.Tags, &in.Categories, &in.Datasets, &in.PromptTemplates, &in.Metrics} {
					if err := parseLiteral(args[2+i], dst); err != nil {
						return err
					}
				}
				if len(args) == 8 {
					if err := parseLiteral(args[7], &in.GradingScale); err != nil {
						return err
					}
				}
			} else {
				if file != "" {
					if err := loadFile(file, &in); err != nil {
						return err
					}
				}
				if err := nameArg(args, &in.Name); err != nil {
					return err
				}
				fl := cmd.Flags()
				if fl.Changed("description") {
					in.Description = f.description
				}
				if fl.Changed("tag") {
					in.Tags = f.tags
				}
				if fl.Changed("category") {
					in.Categories = f.categories
				}
				if fl.Changed("dataset") {
					in.Datasets = f.datasets
				}
				if fl.Changed("prompt-template") {
					in.PromptTemplates = f.templates
				}
				if fl.Changed("metric") {
					in.Metrics = f.metrics
				}
				if fl.Changed("grade") {
					scale, err := parseGrades(f.grades)
					if err != nil {
						return err
					}
					in.GradingScale = scale
				}
			}
			return create(s, cmd, "recipe", func(ctx context.Context, svc *control.Service) (model.Recipe, error) {
				return svc.CreateRecipe(ctx, in)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON recipe definition")
	cmd.Flags().BoolVar(&legacy, "legacy-args", false, "Take positional arguments with Python list literals")
	f.register(cmd)
	return cmd
}

func (s *session) updateRecipeCommand() *cobra.Command {
	var (
		name, file string
		legacy     bool
		f          recipeFlags
	)
	cmd := &cobra.Command{
		Use:   "update_recipe ID",
		Short: "Update fields of a recipe",
		Long: `Update the given fields of a recipe. With --legacy-args the second
argument is a list of (field, value) pairs, e.g. "[('datasets', ['ds2'])]".`,
		Args: legacyArgs(&legacy, cobra.ExactArgs(1), 2, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var up control.RecipeUpdate
			switch {
			case legacy:
				if err := parseUpdatePairs(args[1], &up); err != nil {
					return err
				}
			case file != "":
				if err := loadFile(file, &up); err != nil {
					return err
				}
			}
			fl := cmd.Flags()
			if fl.Changed("name") {
				up.Name = &name
			}
			if fl.Changed("description") {
				up.Description = &f.description
			}
			if fl.Changed("tag") {
				up.Tags = &f.tags
			}
			if fl.Changed("category") {
				up.Categories = &f.categories
			}
			if fl.Changed("dataset") {
				up.Datasets = &f.datasets
			}
			if fl.Changed("prompt-template") {
				up.PromptTemplates = &f.templates
			}
			if fl.Changed("metric") {
				up.Metrics = &f.metrics
			}
			if fl.Changed("grade") {
				scale, err := parseGrades(f.grades)
				if err != nil {
					return err
				}
				up.GradingScale = &scale
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := svc.UpdateRecipe(cmd.Context(), args[0], up); err != nil {
				return err
			}
			s.success("Updated recipe %s", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name (must keep the same id)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON document with the fields to change")
	cmd.Flags().BoolVar(&legacy, "legacy-args", false, "Take the changes as a Python list of pairs")
	f.register(cmd)
	return cmd
}

// cookbookFlags are shared by add_cookbook and update_cookbook.
type cookbookFlags struct {
	description                string
	tags, categories, recipes []string
}

func (f *cookbookFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.description, "description", "d", "", "Cookbook description")
	fl.StringArrayVar(&f.tags, "tag", nil, "Tag (repeatable)")
	fl.StringArrayVar(&f.categories, "category", nil, "Category (repeatable)")
	fl.StringArrayVar(&f.recipes, "recipe", nil, "Recipe id (repeatable)")
}

func (s *session) addCookbookCommand() *cobra.Command {
	var (
		file   string
		legacy bool
		f      cookbookFlags
	)
	cmd := &cobra.Command{
		Use:   "add_cookbook [NAME]",
		Short: "Add a cookbook",
		Long: `Add a cookbook grouping existing recipes.

With --legacy-args the arguments are positional:
  add_cookbook --legacy-args NAME DESCRIPTION RECIPES
  add_cookbook --legacy-args "My Cookbook" "desc" "['r1', 'r2']"`,
		Args: legacyArgs(&legacy, cobra.MaximumNArgs(1), 3, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in control.CookbookInput
			if legacy {
				in.Name, in.Description = args[0], args[1]
				if err := parseLiteral(args[2], &in.Recipes); err != nil {
					return err
				}
			} else {
				if file != "" {
					if err := loadFile(file, &in); err != nil {
						return err
					}
				}
				if err := nameArg(args, &in.Name); err != nil {
					return err
				}
				fl := cmd.Flags()
				if fl.Changed("description") {
					in.Description = f.description
				}
				if fl.Changed("tag") {
					in.Tags = f.tags
				}
				if fl.Changed("category") {
					in.Categories = f.categories
				}
				if fl.Changed("recipe") {
					in.Recipes = f.recipes
				}
			}
			return create(s, cmd, "cookbook", func(ctx context.Context, svc *control.Service) (model.Cookbook, error) {
				return svc.CreateCookbook(ctx, in)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON cookbook definition")
	cmd.Flags().BoolVar(&legacy, "legacy-args", false, "Take positional arguments with Python list literals")
	f.register(cmd)
	return cmd
}

func (s *session) updateCookbookCommand() *cobra.Command {
	var (
		name, file string
		legacy     bool
		f          cookbookFlags
	)
	cmd := &cobra.Command{
		Use:   "update_cookbook ID",
		Short: "Update fields of a cookbook",
		Long: `Update the given fields of a cookbook. With --legacy-args the second
argument is a list of (field, value) pairs, e.g. "[('recipes', ['r1'])]".`,
		Args: legacyArgs(&legacy, cobra.ExactArgs(1), 2, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var up control.CookbookUpdate
			switch {
			case legacy:
				if err := parseUpdatePairs(args[1], &up); err != nil {
					return err
				}
			case file != "":
				if err := loadFile(file, &up); err != nil {
					return err
				}
			}
			fl := cmd.Flags()
			if fl.Changed("name") {
				up.Name = &name
			}
			if fl.Changed("description") {
				up.Description = &f.description
			}
			if fl.Changed("tag") {
				up.Tags = &f.tags
			}
			if fl.Changed("category") {
				up.Categories = &f.categories
			}
			if fl.Changed("recipe") {
				up.Recipes = &f.recipes
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := svc.UpdateCookbook(cmd.Context(), args[0], up); err != nil {
				return err
			}
			s.success("Updated cookbook %s", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name (must keep the same id)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON document with the fields to change")
	cmd.Flags().BoolVar(&legacy, "legacy-args", false, "Take the changes as a Python list of pairs")
	f.register(cmd)
	return cmd
}
