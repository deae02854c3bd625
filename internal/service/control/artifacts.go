package control

import (
	"context"
	"sort"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/query"
	"github.com/ashita-ai/kensa/internal/slug"
)

// --- datasets ---

// CreateDataset stores a new dataset. Datasets are immutable.
func (s *Service) CreateDataset(_ context.Context, in DatasetInput) (model.Dataset, error) {
	const op = "create_dataset"
	if err := check(in); err != nil {
		return model.Dataset{}, fail(op, err)
	}
	id, err := deriveID(in.Name, in.ID)
	if err != nil {
		return model.Dataset{}, fail(op, err)
	}
	ds := model.Dataset{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		License:     in.License,
		Reference:   in.Reference,
		NumPrompts:  len(in.Examples),
		Examples:    in.Examples,
		CreatedDate: s.now(),
	}
	if err := createOne(s.store.Datasets, ds); err != nil {
		return model.Dataset{}, fail(op, err)
	}
	s.logger.Info("dataset created", "dataset_id", id, "num_prompts", ds.NumPrompts)
	return ds, nil
}

// GetDataset returns a dataset with its examples.
func (s *Service) GetDataset(id string) (model.Dataset, error) {
	ds, err := getOne(s.store.Datasets, id)
	if err != nil {
		return model.Dataset{}, fail("get_dataset", err)
	}
	return ds, nil
}

// ListDatasets lists datasets without their examples.
func (s *Service) ListDatasets(opts query.Options) ([]query.Item[model.Dataset], error) {
	items, err := listAll(s.store.Datasets, opts)
	if err != nil {
		return nil, fail("list_datasets", err)
	}
	for i := range items {
		items[i].Value = items[i].Value.Summary()
	}
	return items, nil
}

// DatasetIDs returns every dataset id.
func (s *Service) DatasetIDs() ([]string, error) {
	out, err := ids(s.store.Datasets)
	if err != nil {
		return nil, fail("list_dataset_names", err)
	}
	return out, nil
}

// DeleteDataset removes a dataset. Recipes referring to it are not checked.
func (s *Service) DeleteDataset(id string) error {
	if err := deleteOne(s.store.Datasets, id); err != nil {
		return fail("delete_dataset", err)
	}
	s.logger.Info("dataset deleted", "dataset_id", id)
	return nil
}

// --- prompt templates ---

// CreatePromptTemplate stores a new prompt template.
func (s *Service) CreatePromptTemplate(_ context.Context, in PromptTemplateInput) (model.PromptTemplate, error) {
	const op = "create_prompt_template"
	if err := check(in); err != nil {
		return model.PromptTemplate{}, fail(op, err)
	}
	id, err := deriveID(in.Name, in.ID)
	if err != nil {
		return model.PromptTemplate{}, fail(op, err)
	}
	pt := model.PromptTemplate{ID: id, Name: in.Name, Description: in.Description, Template: in.Template, CreatedDate: s.now()}
	if err := createOne(s.store.PromptTemplates, pt); err != nil {
		return model.PromptTemplate{}, fail(op, err)
	}
	return pt, nil
}

func (s *Service) GetPromptTemplate(id string) (model.PromptTemplate, error) {
	pt, err := getOne(s.store.PromptTemplates, id)
	if err != nil {
		return model.PromptTemplate{}, fail("get_prompt_template", err)
	}
	return pt, nil
}

func (s *Service) ListPromptTemplates(opts query.Options) ([]query.Item[model.PromptTemplate], error) {
	items, err := listAll(s.store.PromptTemplates, opts)
	if err != nil {
		return nil, fail("list_prompt_templates", err)
	}
	return items, nil
}

func (s *Service) PromptTemplateIDs() ([]string, error) {
	out, err := ids(s.store.PromptTemplates)
	if err != nil {
		return nil, fail("list_prompt_template_names", err)
	}
	return out, nil
}

func (s *Service) DeletePromptTemplate(id string) error {
	if err := deleteOne(s.store.PromptTemplates, id); err != nil {
		return fail("delete_prompt_template", err)
	}
	return nil
}

// --- metrics ---

// CreateMetric registers a metric. Its body lives with the runner backend.
func (s *Service) CreateMetric(_ context.Context, in MetricInput) (model.Metric, error) {
	const op = "create_metric"
	if err := check(in); err != nil {
		return model.Metric{}, fail(op, err)
	}
	id, err := deriveID(in.Name, in.ID)
	if err != nil {
		return model.Metric{}, fail(op, err)
	}
	m := model.Metric{ID: id, Name: in.Name, Description: in.Description, CreatedDate: s.now()}
	if err := createOne(s.store.Metrics, m); err != nil {
		return model.Metric{}, fail(op, err)
	}
	return m, nil
}

func (s *Service) GetMetric(id string) (model.Metric, error) {
	m, err := getOne(s.store.Metrics, id)
	if err != nil {
		return model.Metric{}, fail("get_metric", err)
	}
	return m, nil
}

func (s *Service) ListMetrics(opts query.Options) ([]query.Item[model.Metric], error) {
	items, err := listAll(s.store.Metrics, opts)
	if err != nil {
		return nil, fail("list_metrics", err)
	}
	return items, nil
}

func (s *Service) MetricIDs() ([]string, error) {
	out, err := ids(s.store.Metrics)
	if err != nil {
		return nil, fail("list_metric_names", err)
	}
	return out, nil
}

func (s *Service) DeleteMetric(id string) error {
	if err := deleteOne(s.store.Metrics, id); err != nil {
		return fail("delete_metric", err)
	}
	return nil
}

// --- endpoints ---

// CreateEndpoint stores a new endpoint and returns it with its token masked.
func (s *Service) CreateEndpoint(_ context.Context, in EndpointInput) (model.Endpoint, error) {
	const op = "create_endpoint"
	if err := check(in); err != nil {
		return model.Endpoint{}, fail(op, err)
	}
	id, err := deriveID(in.Name, in.ID)
	if err != nil {
		return model.Endpoint{}, fail(op, err)
	}
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}
	ep := model.Endpoint{
		ID:                id,
		Name:              in.Name,
		ConnectorType:     in.ConnectorType,
		URI:               in.URI,
		Token:             in.Token,
		Model:             in.Model,
		MaxCallsPerSecond: in.MaxCallsPerSecond,
		MaxConcurrency:    in.MaxConcurrency,
		Params:            params,
		CreatedDate:       s.now(),
	}
	if err := createOne(s.store.Endpoints, ep); err != nil {
		return model.Endpoint{}, fail(op, err)
	}
	s.logger.Info("endpoint created", "endpoint_id", id, "connector_type", ep.ConnectorType)
	return ep.Masked(), nil
}

// GetEndpoint returns an endpoint with its token masked.
func (s *Service) GetEndpoint(id string) (model.Endpoint, error) {
	ep, err := getOne(s.store.Endpoints, id)
	if err != nil {
		return model.Endpoint{}, fail("get_endpoint", err)
	}
	return ep.Masked(), nil
}

// ListEndpoints lists endpoints with their tokens masked.
func (s *Service) ListEndpoints(opts query.Options) ([]query.Item[model.Endpoint], error) {
	items, err := listAll(s.store.Endpoints, opts)
	if err != nil {
		return nil, fail("list_endpoints", err)
	}
	for i := range items {
		items[i].Value = items[i].Value.Masked()
	}
	return items, nil
}

func (s *Service) EndpointIDs() ([]string, error) {
	out, err := ids(s.store.Endpoints)
	if err != nil {
		return nil, fail("list_endpoint_names", err)
	}
	return out, nil
}

// UpdateEndpoint applies the supplied fields and returns the endpoint with
// its token masked.
func (s *Service) UpdateEndpoint(_ context.Context, id string, in EndpointUpdate) (model.Endpoint, error) {
	const op = "update_endpoint"
	if err := check(in); err != nil {
		return model.Endpoint{}, fail(op, err)
	}
	if err := renameCheck(id, in.Name); err != nil {
		return model.Endpoint{}, fail(op, err)
	}
	ep, err := s.store.Endpoints.Update(id, func(ep *model.Endpoint) error {
		setIf(&ep.Name, in.Name)
		setIf(&ep.ConnectorType, in.ConnectorType)
		setIf(&ep.URI, in.URI)
		setIf(&ep.Token, in.Token)
		setIf(&ep.Model, in.Model)
		setIf(&ep.MaxCallsPerSecond, in.MaxCallsPerSecond)
		setIf(&ep.MaxConcurrency, in.MaxConcurrency)
		if in.Params != nil {
			ep.Params = in.Params
		}
		return nil
	})
	if err != nil {
		return model.Endpoint{}, fail(op, storeErr(s.store.Endpoints.Kind(), id, err))
	}
	return ep.Masked(), nil
}

func (s *Service) DeleteEndpoint(id string) error {
	if err := deleteOne(s.store.Endpoints, id); err != nil {
		return fail("delete_endpoint", err)
	}
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// --- bookmarks ---

// CreateBookmark saves a bookmark. Names are unique.
func (s *Service) CreateBookmark(_ context.Context, in BookmarkInput) (model.Bookmark, error) {
	const op = "create_bookmark"
	if err := check(in); err != nil {
		return model.Bookmark{}, fail(op, err)
	}
	id := slug.Make(in.Name)
	if id == "" {
		return model.Bookmark{}, fail(op, apperr.New(apperr.Validation, "", "bookmark name %q does not produce a valid id", in.Name))
	}
	b := model.Bookmark{
		ID:              id,
		Name:            in.Name,
		Prompt:          in.Prompt,
		PreparedPrompt:  in.PreparedPrompt,
		Response:        in.Response,
		ContextStrategy: in.ContextStrategy,
		PromptTemplate:  in.PromptTemplate,
		AttackModule:    in.AttackModule,
		Metric:          in.Metric,
		BookmarkTime:    s.now(),
	}
	if err := createOne(s.store.Bookmarks, b); err != nil {
		return model.Bookmark{}, fail(op, err)
	}
	return b, nil
}

func (s *Service) GetBookmark(id string) (model.Bookmark, error) {
	b, err := getOne(s.store.Bookmarks, id)
	if err != nil {
		return model.Bookmark{}, fail("get_bookmark", err)
	}
	return b, nil
}

func (s *Service) ListBookmarks(opts query.Options) ([]query.Item[model.Bookmark], error) {
	items, err := listAll(s.store.Bookmarks, opts)
	if err != nil {
		return nil, fail("list_bookmarks", err)
	}
	return items, nil
}

func (s *Service) BookmarkIDs() ([]string, error) {
	out, err := ids(s.store.Bookmarks)
	if err != nil {
		return nil, fail("list_bookmark_names", err)
	}
	return out, nil
}

func (s *Service) DeleteBookmark(id string) error {
	if err := deleteOne(s.store.Bookmarks, id); err != nil {
		return fail("delete_bookmark", err)
	}
	return nil
}

// DeleteAllBookmarks removes every bookmark and reports how many were
// removed.
func (s *Service) DeleteAllBookmarks() (int, error) {
	const op = "delete_all_bookmarks"
	all, err := ids(s.store.Bookmarks)
	if err != nil {
		return 0, fail(op, err)
	}
	n := 0
	for _, id := range all {
		if err := deleteOne(s.store.Bookmarks, id); err != nil {
			if apperr.Is(err, apperr.NotFound) {
				continue
			}
			return n, fail(op, err)
		}
		n++
	}
	return n, nil
}

// ExportBookmarks returns every bookmark ordered by bookmark time, oldest
// first.
func (s *Service) ExportBookmarks() ([]model.Bookmark, error) {
	all, err := s.store.Bookmarks.List()
	if err != nil {
		return nil, fail("export_bookmarks", apperr.Wrap(apperr.IO, "", err))
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].BookmarkTime.Equal(all[j].BookmarkTime) {
			return all[i].BookmarkTime.Before(all[j].BookmarkTime)
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}
