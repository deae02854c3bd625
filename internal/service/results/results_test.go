package results

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/backend"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
)

func score(v float64) *float64 { return &v }

func TestParseKey(t *testing.T) {
	tests := []struct {
		in      string
		want    Key
		wantErr bool
	}{
		{in: "(m, r, d, p)", want: Key{"m", "r", "d", "p"}},
		{in: "('m', 'r', 'd', 'p')", want: Key{"m", "r", "d", "p"}},
		{in: `("gpt, 4", r, d, '')`, want: Key{"gpt, 4", "r", "d", ""}},
		{in: "(m,r,d,)", want: Key{"m", "r", "d", ""}},
		{in: "  (m, r, d, p)  ", want: Key{"m", "r", "d", "p"}},
		{in: "m, r, d, p", wantErr: true},
		{in: "(m, r, d)", wantErr: true},
		{in: "(m, r, d, p, x)", wantErr: true},
		{in: "(, r, d, p)", wantErr: true},
		{in: "('m, r, d, p)", wantErr: true},
		{in: "('m'x, r, d, p)", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKey(tt.in)
			if tt.wantErr {
				assert.True(t, apperr.Is(err, apperr.Invariant), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyStringRoundTrips(t *testing.T) {
	for _, k := range []Key{
		{"m", "r", "d", "p"},
		{"m", "r", "d", ""},
		{"gpt, 4", "r", "d", "it's"},
	} {
		got, err := ParseKey(k.String())
		require.NoError(t, err, k.String())
		assert.Equal(t, k, got)
	}
	assert.Equal(t, "(m, r, d, p)", Key{"m", "r", "d", "p"}.String())
}

var scaleAF = model.GradingScale{
	"E": {0, 0.2},
	"D": {0.2, 0.4},
	"C": {0.4, 0.6},
	"B": {0.6, 0.8},
	"A": {0.8, 1.0},
}

func recipeInput() WriteInput {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return WriteInput{
		RunnerID:  "bench",
		RunID:     1,
		Args:      model.RunArgs{Type: model.RunTypeRecipe, Targets: []string{"r1", "r2"}, PromptSelectionPercentage: 100},
		Endpoints: []string{"e1", "e2"},
		Recipes: []model.Recipe{
			{ID: "r1", GradingScale: scaleAF},
			{ID: "r2"},
		},
		StartTime: start,
		EndTime:   start.Add(90*time.Second + 400*time.Millisecond),
		Output: &backend.Output{Records: []backend.Record{
			{Key: "(e1, r1, ds1, pt1)", NumOfPrompts: 2, Metrics: []model.MetricScore{{MetricID: "acc", Score: score(0.9)}}},
			{Key: "(e2, r1, ds1, pt1)", NumOfPrompts: 2, Metrics: []model.MetricScore{{MetricID: "acc", Score: score(0.1)}}},
			{Key: "(e1, r1, ds1, pt2)", NumOfPrompts: 3, Metrics: []model.MetricScore{{MetricID: "acc", Score: score(0.7)}}},
			{Key: "(e1, r2, ds2, )", NumOfPrompts: 1, Metrics: []model.MetricScore{{MetricID: "acc", Score: nil}}},
		}},
	}
}

func TestBuildRecipeRun(t *testing.T) {
	res, err := Build(recipeInput())
	require.NoError(t, err)

	assert.Equal(t, "bench.1", res.GetID())
	assert.Equal(t, []string{"r1", "r2"}, res.Metadata.Recipes)
	assert.Nil(t, res.Metadata.Cookbooks)
	assert.Equal(t, int64(90), res.Metadata.Duration)
	assert.Equal(t, 8, res.Metadata.NumOfPrompts)
	assert.Equal(t, model.RunStatusCompleted, res.Metadata.Status)
	require.Len(t, res.Results.Recipes, 2)
	assert.Nil(t, res.Results.Cookbooks)

	r1 := res.Results.Recipes[0]
	require.Len(t, r1.EvaluationSummary, 2)
	assert.Equal(t, "e1", r1.EvaluationSummary[0].ModelID)
	assert.InDelta(t, 0.8, *r1.EvaluationSummary[0].AvgGradeValue, 1e-9)
	assert.Equal(t, "B", r1.EvaluationSummary[0].Grade, "shared boundary takes the lower band")
	assert.Equal(t, 5, r1.EvaluationSummary[0].NumOfPrompts)
	assert.Equal(t, "e2", r1.EvaluationSummary[1].ModelID)
	assert.Equal(t, "E", r1.EvaluationSummary[1].Grade)

	r2 := res.Results.Recipes[1]
	require.Len(t, r2.EvaluationSummary, 1)
	assert.Nil(t, r2.EvaluationSummary[0].AvgGradeValue, "no numeric scores")
	assert.Equal(t, model.NoGrade, r2.EvaluationSummary[0].Grade)

	assert.Contains(t, res.GradingScale, "r2")
	assert.Empty(t, res.GradingScale["r2"])
}

func TestBuildRejectsBadRecords(t *testing.T) {
	in := recipeInput()
	in.Output.Records = append(in.Output.Records, backend.Record{Key: "(e1, r1, ds1, pt1)"})
	_, err := Build(in)
	assert.True(t, apperr.Is(err, apperr.Invariant), "duplicate key")

	in = recipeInput()
	in.Output.Records = append(in.Output.Records, backend.Record{Key: "(e1, other, ds1, pt1)"})
	_, err = Build(in)
	assert.True(t, apperr.Is(err, apperr.Invariant), "unknown recipe")

	in = recipeInput()
	in.Output.Records = append(in.Output.Records, backend.Record{Key: "e1/r1"})
	_, err = Build(in)
	assert.True(t, apperr.Is(err, apperr.Invariant), "malformed key")
}

func TestBuildCookbookRunTakesLowestGrade(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	in := WriteInput{
		RunnerID:  "bench",
		RunID:     2,
		Args:      model.RunArgs{Type: model.RunTypeCookbook, Targets: []string{"cb1"}},
		Endpoints: []string{"e1"},
		Cookbooks: []model.Cookbook{{ID: "cb1", Recipes: []string{"r1", "r2"}}},
		Recipes: []model.Recipe{
			{ID: "r1", GradingScale: scaleAF},
			{ID: "r2", GradingScale: scaleAF},
		},
		StartTime: start,
		EndTime:   start,
		Output: &backend.Output{Records: []backend.Record{
			{Key: "(e1, r1, ds1, pt1)", NumOfPrompts: 1, Metrics: []model.MetricScore{{MetricID: "acc", Score: score(0.9)}}},
			{Key: "(e1, r2, ds1, pt1)", NumOfPrompts: 1, Metrics: []model.MetricScore{{MetricID: "acc", Score: score(0.5)}}},
		}},
	}
	res, err := Build(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"cb1"}, res.Metadata.Cookbooks)
	assert.Nil(t, res.Metadata.Recipes)
	require.Len(t, res.Results.Cookbooks, 1)
	assert.Equal(t, []model.OverallEvaluationSummary{{ModelID: "e1", OverallGrade: "C"}},
		res.Results.Cookbooks[0].OverallEvaluationSummary)
}

func TestOverallNoGrade(t *testing.T) {
	got := Overall([]model.RecipeResult{
		{ID: "r1", EvaluationSummary: []model.EvaluationSummary{{ModelID: "e1", Grade: model.NoGrade}}},
	}, []model.GradingScale{nil})
	assert.Equal(t, []model.OverallEvaluationSummary{{ModelID: "e1", OverallGrade: model.NoGrade}}, got)
}

func TestReshapeMergesModelDatasetPairs(t *testing.T) {
	res, err := Build(recipeInput())
	require.NoError(t, err)

	view, err := Reshape(res)
	require.NoError(t, err)

	want := []ViewRecipe{
		{
			ID: "r1",
			Models: []ViewModel{
				{ID: "e1", Datasets: []ViewDataset{{ID: "ds1", PromptTemplates: []ViewPromptTemplate{
					{ID: "pt1", NumOfPrompts: 2, Metrics: []model.MetricScore{{MetricID: "acc", Score: score(0.9)}}},
					{ID: "pt2", NumOfPrompts: 3, Metrics: []model.MetricScore{{MetricID: "acc", Score: score(0.7)}}},
				}}}},
				{ID: "e2", Datasets: []ViewDataset{{ID: "ds1", PromptTemplates: []ViewPromptTemplate{
					{ID: "pt1", NumOfPrompts: 2, Metrics: []model.MetricScore{{MetricID: "acc", Score: score(0.1)}}},
				}}}},
			},
			EvaluationSummary: res.Results.Recipes[0].EvaluationSummary,
		},
		{
			ID: "r2",
			Models: []ViewModel{
				{ID: "e1", Datasets: []ViewDataset{{ID: "ds2", PromptTemplates: []ViewPromptTemplate{
					{ID: "", NumOfPrompts: 1, Metrics: []model.MetricScore{{MetricID: "acc"}}},
				}}}},
			},
			EvaluationSummary: res.Results.Recipes[1].EvaluationSummary,
		},
	}
	if diff := cmp.Diff(want, view.Results.Recipes); diff != "" {
		t.Errorf("view mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, view.Results.Cookbooks)
}

func TestReshapeKeepsEveryRecord(t *testing.T) {
	res, err := Build(recipeInput())
	require.NoError(t, err)
	view, err := Reshape(res)
	require.NoError(t, err)

	raw := map[Key]bool{}
	for _, rr := range res.Results.Recipes {
		for _, d := range rr.Details {
			k, err := ParseKey(d.Key)
			require.NoError(t, err)
			raw[k] = true
		}
	}
	viewed := map[Key]bool{}
	count := 0
	for _, vr := range view.Results.Recipes {
		for _, m := range vr.Models {
			for _, d := range m.Datasets {
				for _, pt := range d.PromptTemplates {
					viewed[Key{m.ID, vr.ID, d.ID, pt.ID}] = true
					count++
				}
			}
		}
	}
	assert.Equal(t, raw, viewed)
	assert.Equal(t, len(raw), count)
}

func TestReshapeRejectsMisfiledRecord(t *testing.T) {
	_, err := Reshape(model.Result{Results: model.ResultTree{Recipes: []model.RecipeResult{
		{ID: "r1", Details: []model.ResultDetail{{Key: "(m, r2, d, p)"}}},
	}}})
	assert.True(t, apperr.Is(err, apperr.Invariant))
}

func TestWriterAndReader(t *testing.T) {
	ctx := context.Background()
	col := storage.NewCollection[model.Result]("result", t.TempDir())
	w := NewWriter(col, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := NewReader(col)

	_, err := r.Read("bench")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	in := recipeInput()
	_, err = w.Write(ctx, in)
	require.NoError(t, err)
	_, err = w.Write(ctx, in)
	assert.True(t, apperr.Is(err, apperr.Invariant), "second write for the same run")

	in.RunID = 10
	_, err = w.Write(ctx, in)
	require.NoError(t, err)

	latest, err := r.Read("bench")
	require.NoError(t, err)
	assert.Equal(t, int64(10), latest.Metadata.RunID, "numeric, not lexical, ordering")

	view, err := r.ReadForView("bench", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Metadata.RunID)

	ids, err := r.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bench.1", "bench.10"}, ids)

	require.NoError(t, r.Delete("bench"))
	_, err = r.Read("bench")
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.True(t, apperr.Is(r.Delete("bench"), apperr.NotFound))
}
