package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
)

func testLayout(root string) Layout {
	return Layout{
		Datasets:        filepath.Join(root, "datasets"),
		PromptTemplates: filepath.Join(root, "prompt-templates"),
		Metrics:         filepath.Join(root, "metrics"),
		Endpoints:       filepath.Join(root, "connectors-endpoints"),
		Recipes:         filepath.Join(root, "recipes"),
		Cookbooks:       filepath.Join(root, "cookbooks"),
		Runners:         filepath.Join(root, "runners"),
		Databases:       filepath.Join(root, "databases"),
		Results:         filepath.Join(root, "results"),
		Bookmarks:       filepath.Join(root, "bookmarks"),
	}
}

func TestCollectionCreateReadDelete(t *testing.T) {
	s := NewStore(testLayout(t.TempDir()))

	m := model.Metric{ID: "exact-match", Name: "Exact Match", Description: "d"}
	require.NoError(t, s.Metrics.Create(m))

	got, err := s.Metrics.Read("exact-match")
	require.NoError(t, err)
	assert.Equal(t, m.Name, got.Name)

	err = s.Metrics.Create(m)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	ok, err := s.Metrics.Exists("exact-match")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Metrics.Delete("exact-match"))
	_, err = s.Metrics.Read("exact-match")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Metrics.Delete("exact-match"), ErrNotFound)
}

func TestCollectionRejectsPathIDs(t *testing.T) {
	s := NewStore(testLayout(t.TempDir()))

	assert.Error(t, s.Metrics.Create(model.Metric{ID: "../escape"}))
	assert.Error(t, s.Metrics.Create(model.Metric{ID: ""}))
	_, err := s.Metrics.Read("../escape")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollectionListSkipsForeignFiles(t *testing.T) {
	layout := testLayout(t.TempDir())
	s := NewStore(layout)

	empty, err := s.Cookbooks.List()
	require.NoError(t, err)
	assert.Empty(t, empty, "missing directory lists as empty")

	for i := range 3 {
		require.NoError(t, s.Cookbooks.Create(model.Cookbook{ID: fmt.Sprintf("cb-%d", i)}))
	}
	require.NoError(t, os.WriteFile(filepath.Join(layout.Cookbooks, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(layout.Cookbooks, ".tmp-123"), []byte("{"), 0o644))

	all, err := s.Cookbooks.List()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCollectionUpdate(t *testing.T) {
	s := NewStore(testLayout(t.TempDir()))
	require.NoError(t, s.Endpoints.Create(model.Endpoint{ID: "e1", Name: "E1", Token: "old"}))

	updated, err := s.Endpoints.Update("e1", func(e *model.Endpoint) error {
		e.Token = "new"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", updated.Token)

	got, err := s.Endpoints.Read("e1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Token)
	assert.Equal(t, "E1", got.Name)

	_, err = s.Endpoints.Update("e1", func(e *model.Endpoint) error {
		e.ID = "e2"
		return nil
	})
	assert.Error(t, err, "id must be immutable")

	_, err = s.Endpoints.Update("missing", func(*model.Endpoint) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollectionConcurrentUpdatesSerialize(t *testing.T) {
	s := NewStore(testLayout(t.TempDir()))
	require.NoError(t, s.Endpoints.Create(model.Endpoint{ID: "e1", MaxConcurrency: 0}))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Endpoints.Update("e1", func(e *model.Endpoint) error {
				e.MaxConcurrency++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Endpoints.Read("e1")
	require.NoError(t, err)
	assert.Equal(t, 20, got.MaxConcurrency)
}

func TestRunnerDBRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testLayout(t.TempDir()))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := OpenRunnerDB(ctx, s.RunnerDBPath("runner-1"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.LatestRun(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	args := model.RunArgs{Type: model.RunTypeCookbook, Targets: []string{"cb1"}, PromptSelectionPercentage: 100}
	first, err := db.CreateRun(ctx, "runner-1", args, []string{"e1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.RunID)
	assert.Equal(t, model.RunStatusPending, first.Status)

	second, err := db.CreateRun(ctx, "runner-1", args, []string{"e1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.RunID)

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(7 * time.Second)
	dur := int64(7)
	first.StartTime, first.EndTime, first.Duration = &start, &end, &dur
	first.Status = model.RunStatusCompleted
	first.ResultID = "runner-1.1"
	require.NoError(t, db.UpdateRun(ctx, first))

	got, err := db.GetRun(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.StartTime)
	assert.True(t, start.Equal(*got.StartTime))
	require.NotNil(t, got.Duration)
	assert.Equal(t, int64(7), *got.Duration)
	assert.Equal(t, []string{"cb1"}, got.RunnerArgs.Targets)
	assert.Equal(t, []string{"e1"}, got.Endpoints)

	latest, err := db.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.RunID)
	assert.Nil(t, latest.StartTime)

	runs, err := db.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(1), runs[0].RunID)

	n, err := db.FailUnfinished(ctx, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = db.GetRun(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.UpdateRun(ctx, model.Run{RunID: 99, Status: model.RunStatusFailed}), ErrNotFound)
}

func TestRunnerDBIdsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testLayout(t.TempDir()))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := s.RunnerDBPath("r")

	db, err := OpenRunnerDB(ctx, path, logger)
	require.NoError(t, err)
	_, err = db.CreateRun(ctx, "r", model.RunArgs{}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenRunnerDB(ctx, path, logger)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	run, err := db.CreateRun(ctx, "r", model.RunArgs{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.RunID)

	require.NoError(t, db.Close())
	require.NoError(t, s.RemoveRunnerDB("r"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, s.RemoveRunnerDB("r"), "removing twice is fine")
}

func TestRunnerDBReserveRunIDs(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testLayout(t.TempDir()))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := OpenRunnerDB(ctx, s.RunnerDBPath("r"), logger)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.ReserveRunIDs(ctx, 3))
	run, err := db.CreateRun(ctx, "r", model.RunArgs{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), run.RunID)

	require.NoError(t, db.ReserveRunIDs(ctx, 2), "never lowers the sequence")
	run, err = db.CreateRun(ctx, "r", model.RunArgs{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), run.RunID)
}

func TestResultRunIDs(t *testing.T) {
	s := NewStore(testLayout(t.TempDir()))
	for _, res := range []model.Result{
		{Metadata: model.ResultMetadata{ID: "r", RunID: 1}},
		{Metadata: model.ResultMetadata{ID: "r", RunID: 7}},
		{Metadata: model.ResultMetadata{ID: "r-2", RunID: 9}},
	} {
		require.NoError(t, s.Results.Create(res))
	}
	ids, err := ResultRunIDs(s.Results, "r")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 7}, ids)
}
