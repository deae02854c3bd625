// Package control is the operation surface shared by the CLI, HTTP and MCP
// adapters. It validates arguments, resolves references, and translates
// every failure into an *apperr.Error carrying the operation name.
package control

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/progress"
	"github.com/ashita-ai/kensa/internal/query"
	"github.com/ashita-ai/kensa/internal/service/orchestrator"
	"github.com/ashita-ai/kensa/internal/service/results"
	"github.com/ashita-ai/kensa/internal/service/runners"
	"github.com/ashita-ai/kensa/internal/storage"
)

// Deps are the components the service is built from.
type Deps struct {
	Store        *storage.Store
	Runners      *runners.Registry
	Orchestrator *orchestrator.Orchestrator
	Results      *results.Reader
	Bus          *progress.Bus
	Logger       *slog.Logger
}

// Service implements every façade operation.
type Service struct {
	store   *storage.Store
	runners *runners.Registry
	orch    *orchestrator.Orchestrator
	results *results.Reader
	bus     *progress.Bus
	logger  *slog.Logger
	refs    refChecker
	now     func() time.Time
}

// New creates a Service.
func New(d Deps) *Service {
	return &Service{
		store:   d.Store,
		runners: d.Runners,
		orch:    d.Orchestrator,
		results: d.Results,
		bus:     d.Bus,
		logger:  d.Logger,
		refs:    refChecker{store: d.Store},
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
}

// fail attaches op to err, keeping the kind of an *apperr.Error and
// treating anything else as an Invariant violation.
func fail(op string, err error) error {
	return apperr.Wrap(apperr.KindOf(err), op, err)
}

// storeErr translates a storage error for the artifact kind/id into the
// taxonomy.
func storeErr(kind, id string, err error) error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return apperr.New(apperr.NotFound, "", "%s %s does not exist", kind, id)
	case errors.Is(err, storage.ErrAlreadyExists):
		return apperr.New(apperr.Conflict, "", "%s %s already exists", kind, id)
	default:
		return apperr.Wrap(apperr.IO, "", err)
	}
}

func getOne[T storage.Identifiable](c *storage.Collection[T], id string) (T, error) {
	v, err := c.Read(id)
	if err != nil {
		var zero T
		return zero, storeErr(c.Kind(), id, err)
	}
	return v, nil
}

func listAll[T storage.Identifiable](c *storage.Collection[T], opts query.Options) ([]query.Item[T], error) {
	all, err := c.List()
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, "", err)
	}
	return query.Apply(all, opts)
}

func ids[T storage.Identifiable](c *storage.Collection[T]) ([]string, error) {
	out, err := c.IDs()
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, "", err)
	}
	sort.Strings(out)
	return out, nil
}

func deleteOne[T storage.Identifiable](c *storage.Collection[T], id string) error {
	if err := c.Delete(id); err != nil {
		return storeErr(c.Kind(), id, err)
	}
	return nil
}

func createOne[T storage.Identifiable](c *storage.Collection[T], v T) error {
	if err := c.Create(v); err != nil {
		return storeErr(c.Kind(), v.GetID(), err)
	}
	return nil
}
