package server

import (
	"net/http"

	"github.com/ashita-ai/kensa/internal/query"
)

// Datasets

func (h *Handlers) HandleCreateDataset(w http.ResponseWriter, r *http.Request) {
	create(h, w, r, h.svc.CreateDataset)
}

func (h *Handlers) HandleListDatasets(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(o query.Options) (any, error) { return listed(h.svc.ListDatasets(o)) })
}

func (h *Handlers) HandleDatasetNames(w http.ResponseWriter, r *http.Request) {
	h.names(w, r, h.svc.DatasetIDs)
}

func (h *Handlers) HandleGetDataset(w http.ResponseWriter, r *http.Request) {
	getByID(h, w, r, h.svc.GetDataset)
}

func (h *Handlers) HandleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, h.svc.DeleteDataset)
}

// Prompt templates

func (h *Handlers) HandleCreatePromptTemplate(w http.ResponseWriter, r *http.Request) {
	create(h, w, r, h.svc.CreatePromptTemplate)
}

func (h *Handlers) HandleListPromptTemplates(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(o query.Options) (any, error) { return listed(h.svc.ListPromptTemplates(o)) })
}

func (h *Handlers) HandlePromptTemplateNames(w http.ResponseWriter, r *http.Request) {
	h.names(w, r, h.svc.PromptTemplateIDs)
}

func (h *Handlers) HandleGetPromptTemplate(w http.ResponseWriter, r *http.Request) {
	getByID(h, w, r, h.svc.GetPromptTemplate)
}

func (h *Handlers) HandleDeletePromptTemplate(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, h.svc.DeletePromptTemplate)
}

// Metrics

func (h *Handlers) HandleCreateMetric(w http.ResponseWriter, r *http.Request) {
	create(h, w, r, h.svc.CreateMetric)
}

func (h *Handlers) HandleListMetrics(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(o query.Options) (any, error) { return listed(h.svc.ListMetrics(o)) })
}

func (h *Handlers) HandleMetricNames(w http.ResponseWriter, r *http.Request) {
	h.names(w, r, h.svc.MetricIDs)
}

func (h *Handlers) HandleGetMetric(w http.ResponseWriter, r *http.Request) {
	getByID(h, w, r, h.svc.GetMetric)
}

func (h *Handlers) HandleDeleteMetric(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, h.svc.DeleteMetric)
}

// Endpoints. Tokens are masked by the service on every read path.

func (h *Handlers) HandleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	create(h, w, r, h.svc.CreateEndpoint)
}

func (h *Handlers) HandleListEndpoints(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(o query.Options) (any, error) { return listed(h.svc.ListEndpoints(o)) })
}

func (h *Handlers) HandleEndpointNames(w http.ResponseWriter, r *http.Request) {
	h.names(w, r, h.svc.EndpointIDs)
}

func (h *Handlers) HandleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	getByID(h, w, r, h.svc.GetEndpoint)
}

func (h *Handlers) HandleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	update(h, w, r, h.svc.UpdateEndpoint)
}

func (h *Handlers) HandleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, h.svc.DeleteEndpoint)
}

// Recipes

func (h *Handlers) HandleCreateRecipe(w http.ResponseWriter, r *http.Request) {
	create(h, w, r, h.svc.CreateRecipe)
}

func (h *Handlers) HandleListRecipes(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(o query.Options) (any, error) { return listed(h.svc.ListRecipes(o)) })
}

func (h *Handlers) HandleRecipeNames(w http.ResponseWriter, r *http.Request) {
	h.names(w, r, h.svc.RecipeIDs)
}

func (h *Handlers) HandleGetRecipe(w http.ResponseWriter, r *http.Request) {
	getByID(h, w, r, h.svc.GetRecipe)
}

func (h *Handlers) HandleUpdateRecipe(w http.ResponseWriter, r *http.Request) {
	update(h, w, r, h.svc.UpdateRecipe)
}

func (h *Handlers) HandleDeleteRecipe(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, h.svc.DeleteRecipe)
}

// Cookbooks

func (h *Handlers) HandleCreateCookbook(w http.ResponseWriter, r *http.Request) {
	create(h, w, r, h.svc.CreateCookbook)
}

func (h *Handlers) HandleListCookbooks(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(o query.Options) (any, error) { return listed(h.svc.ListCookbooks(o)) })
}

func (h *Handlers) HandleCookbookNames(w http.ResponseWriter, r *http.Request) {
	h.names(w, r, h.svc.CookbookIDs)
}

func (h *Handlers) HandleGetCookbook(w http.ResponseWriter, r *http.Request) {
	getByID(h, w, r, h.svc.GetCookbook)
}

func (h *Handlers) HandleUpdateCookbook(w http.ResponseWriter, r *http.Request) {
	update(h, w, r, h.svc.UpdateCookbook)
}

func (h *Handlers) HandleDeleteCookbook(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, h.svc.DeleteCookbook)
}

// Bookmarks

func (h *Handlers) HandleCreateBookmark(w http.ResponseWriter, r *http.Request) {
	create(h, w, r, h.svc.CreateBookmark)
}

func (h *Handlers) HandleListBookmarks(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(o query.Options) (any, error) { return listed(h.svc.ListBookmarks(o)) })
}

func (h *Handlers) HandleBookmarkNames(w http.ResponseWriter, r *http.Request) {
	h.names(w, r, h.svc.BookmarkIDs)
}

func (h *Handlers) HandleGetBookmark(w http.ResponseWriter, r *http.Request) {
	getByID(h, w, r, h.svc.GetBookmark)
}

func (h *Handlers) HandleDeleteBookmark(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, h.svc.DeleteBookmark)
}

// HandleDeleteAllBookmarks handles DELETE /api/v1/bookmarks.
func (h *Handlers) HandleDeleteAllBookmarks(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.DeleteAllBookmarks()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// HandleExportBookmarks handles GET /api/v1/bookmarks/export.
func (h *Handlers) HandleExportBookmarks(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ExportBookmarks()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="bookmarks.json"`)
	writeJSON(w, http.StatusOK, out)
}
