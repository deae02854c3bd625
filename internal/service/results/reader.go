package results

import (
	"errors"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
)

// Reader loads stored results.
type Reader struct {
	results *storage.Collection[model.Result]
}

// NewReader creates a Reader over results.
func NewReader(results *storage.Collection[model.Result]) *Reader {
	return &Reader{results: results}
}

// ReadRun returns the result of one run of a runner.
func (r *Reader) ReadRun(runnerID string, runID int64) (model.Result, error) {
	res, err := r.results.Read(model.ResultID(runnerID, runID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Result{}, apperr.New(apperr.NotFound, "", "no result for runner %s run %d", runnerID, runID)
		}
		return model.Result{}, apperr.Wrap(apperr.IO, "", err)
	}
	return res, nil
}

// Read returns the most recent result of a runner.
func (r *Reader) Read(runnerID string) (model.Result, error) {
	runIDs, err := r.runIDs(runnerID)
	if err != nil {
		return model.Result{}, err
	}
	if len(runIDs) == 0 {
		return model.Result{}, apperr.New(apperr.NotFound, "", "no result for runner %s", runnerID)
	}
	var latest int64
	for _, id := range runIDs {
		latest = max(latest, id)
	}
	return r.ReadRun(runnerID, latest)
}

// ReadForView returns a run's result reshaped for display. A runID of zero
// selects the runner's latest result.
func (r *Reader) ReadForView(runnerID string, runID int64) (View, error) {
	var (
		res model.Result
		err error
	)
	if runID == 0 {
		res, err = r.Read(runnerID)
	} else {
		res, err = r.ReadRun(runnerID, runID)
	}
	if err != nil {
		return View{}, err
	}
	return Reshape(res)
}

// List returns the ids of every stored result.
func (r *Reader) List() ([]string, error) {
	ids, err := r.results.IDs()
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, "", err)
	}
	return ids, nil
}

// ListMetadata returns the metadata of every stored result.
func (r *Reader) ListMetadata() ([]model.ResultMetadata, error) {
	all, err := r.results.List()
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, "", err)
	}
	out := make([]model.ResultMetadata, len(all))
	for i, res := range all {
		out[i] = res.Metadata
	}
	return out, nil
}

// Delete removes every stored result of a runner. It fails with NotFound
// if the runner has none.
func (r *Reader) Delete(runnerID string) error {
	runIDs, err := r.runIDs(runnerID)
	if err != nil {
		return err
	}
	if len(runIDs) == 0 {
		return apperr.New(apperr.NotFound, "", "no result for runner %s", runnerID)
	}
	for _, id := range runIDs {
		if err := r.results.Delete(model.ResultID(runnerID, id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return apperr.Wrap(apperr.IO, "", err)
		}
	}
	return nil
}

// DeleteByID removes a single stored result by its id.
func (r *Reader) DeleteByID(id string) error {
	if err := r.results.Delete(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.NotFound, "", "result %s does not exist", id)
		}
		return apperr.Wrap(apperr.IO, "", err)
	}
	return nil
}

// ReadByID returns a stored result by its id.
func (r *Reader) ReadByID(id string) (model.Result, error) {
	res, err := r.results.Read(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Result{}, apperr.New(apperr.NotFound, "", "result %s does not exist", id)
		}
		return model.Result{}, apperr.Wrap(apperr.IO, "", err)
	}
	return res, nil
}

func (r *Reader) runIDs(runnerID string) ([]int64, error) {
	ids, err := storage.ResultRunIDs(r.results, runnerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, "", err)
	}
	return ids, nil
}
