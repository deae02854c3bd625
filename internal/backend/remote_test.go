package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func ndjsonServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/jobs" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var job Job
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if job.RunnerID != "runner-1" {
			t.Errorf("unexpected runner id %q", job.RunnerID)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, f := range frames {
			_, _ = fmt.Fprintln(w, f)
		}
	}))
}

func TestRemoteRun(t *testing.T) {
	server := ndjsonServer(t,
		`{"type":"progress","fraction":0.25,"phase":"running","message":"1/4"}`,
		``,
		`{"type":"heartbeat"}`,
		`{"type":"progress","fraction":1,"phase":"done"}`,
		`{"type":"result","output":{"records":[{"key":"(m, r, d, p)","num_of_prompts":3,"metrics":[{"metric_id":"acc","score":0.5}]}]}}`,
	)
	defer server.Close()

	var phases []string
	out, err := NewRemote(server.URL, 0).Run(context.Background(), Job{RunnerID: "runner-1", RunID: 1},
		func(fraction float64, phase, message string) {
			phases = append(phases, phase)
		})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Records) != 1 || out.Records[0].Key != "(m, r, d, p)" {
		t.Fatalf("unexpected output: %+v", out)
	}
	if s := out.Records[0].Metrics[0].Score; s == nil || *s != 0.5 {
		t.Errorf("unexpected score: %v", s)
	}
	if strings.Join(phases, ",") != "running,done" {
		t.Errorf("unexpected phases: %v", phases)
	}
}

func TestRemoteErrors(t *testing.T) {
	t.Run("error frame", func(t *testing.T) {
		server := ndjsonServer(t, `{"type":"error","message":"endpoint unreachable"}`)
		defer server.Close()
		_, err := NewRemote(server.URL, 0).Run(context.Background(), Job{RunnerID: "runner-1"}, nil)
		if err == nil || !strings.Contains(err.Error(), "endpoint unreachable") {
			t.Fatalf("expected worker error, got %v", err)
		}
	})

	t.Run("stream ends early", func(t *testing.T) {
		server := ndjsonServer(t, `{"type":"progress","fraction":0.5}`)
		defer server.Close()
		_, err := NewRemote(server.URL, 0).Run(context.Background(), Job{RunnerID: "runner-1"}, nil)
		if err == nil || !strings.Contains(err.Error(), "without a result") {
			t.Fatalf("expected truncated-stream error, got %v", err)
		}
	})

	t.Run("malformed frame", func(t *testing.T) {
		server := ndjsonServer(t, `{not json`)
		defer server.Close()
		_, err := NewRemote(server.URL, 0).Run(context.Background(), Job{RunnerID: "runner-1"}, nil)
		if err == nil {
			t.Fatal("expected decode error, got nil")
		}
	})

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()
		_, err := NewRemote(server.URL, 0).Run(context.Background(), Job{RunnerID: "runner-1"}, nil)
		if err == nil || !strings.Contains(err.Error(), "503") {
			t.Fatalf("expected status error, got %v", err)
		}
	})
}

func TestRemoteCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = fmt.Fprintln(w, `{"type":"progress","fraction":0.1}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	errc := make(chan error, 1)
	go func() {
		_, err := NewRemote(server.URL, 0).Run(ctx, Job{RunnerID: "runner-1"}, func(float64, string, string) {
			select {
			case started <- struct{}{}:
			default:
			}
		})
		errc <- err
	}()

	<-started
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestUnconfigured(t *testing.T) {
	_, err := Unconfigured{}.Run(context.Background(), Job{}, nil)
	if !errors.Is(err, ErrUnconfigured) {
		t.Fatalf("expected ErrUnconfigured, got %v", err)
	}
}
