package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ashita-ai/kensa/internal/model"
)

// Layout locates the directory of each artifact kind.
type Layout struct {
	Datasets        string
	PromptTemplates string
	Metrics         string
	Endpoints       string
	Recipes         string
	Cookbooks       string
	Runners         string
	Databases       string
	Results         string
	Bookmarks       string
}

// Store groups the collection for every artifact kind.
type Store struct {
	layout Layout

	Datasets        *Collection[model.Dataset]
	PromptTemplates *Collection[model.PromptTemplate]
	Metrics         *Collection[model.Metric]
	Endpoints       *Collection[model.Endpoint]
	Recipes         *Collection[model.Recipe]
	Cookbooks       *Collection[model.Cookbook]
	Runners         *Collection[model.Runner]
	Results         *Collection[model.Result]
	Bookmarks       *Collection[model.Bookmark]
}

// NewStore returns a Store over layout. Directories are created on demand.
func NewStore(layout Layout) *Store {
	return &Store{
		layout:          layout,
		Datasets:        NewCollection[model.Dataset]("dataset", layout.Datasets),
		PromptTemplates: NewCollection[model.PromptTemplate]("prompt template", layout.PromptTemplates),
		Metrics:         NewCollection[model.Metric]("metric", layout.Metrics),
		Endpoints:       NewCollection[model.Endpoint]("endpoint", layout.Endpoints),
		Recipes:         NewCollection[model.Recipe]("recipe", layout.Recipes),
		Cookbooks:       NewCollection[model.Cookbook]("cookbook", layout.Cookbooks),
		Runners:         NewCollection[model.Runner]("runner", layout.Runners),
		Results:         NewCollection[model.Result]("result", layout.Results),
		Bookmarks:       NewCollection[model.Bookmark]("bookmark", layout.Bookmarks),
	}
}

// Layout returns the directories the store was built over.
func (s *Store) Layout() Layout { return s.layout }

// RunnerDBPath is where the database of the given runner lives.
func (s *Store) RunnerDBPath(runnerID string) string {
	return filepath.Join(s.layout.Databases, runnerID+".db")
}

// RemoveRunnerDB deletes a runner database along with its WAL side files.
// A missing database is not an error.
func (s *Store) RemoveRunnerDB(runnerID string) error {
	base := s.RunnerDBPath(runnerID)
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("storage: remove runner database %s: %w", p, err)
		}
	}
	return nil
}

// ResultRunIDs returns the run ids of every result of a runner stored in
// results, in no particular order. Results outlive their runner, so this may
// report ids the runner's current database never issued.
func ResultRunIDs(results *Collection[model.Result], runnerID string) ([]int64, error) {
	ids, err := results.IDs()
	if err != nil {
		return nil, err
	}
	prefix := runnerID + "."
	var out []int64
	for _, id := range ids {
		rest, ok := strings.CutPrefix(id, prefix)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
