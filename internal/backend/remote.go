package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// maxFrameBytes bounds a single NDJSON frame. Result frames carry every
// record of a run, so this is generous.
const maxFrameBytes = 64 << 20

// Remote runs jobs on an evaluation worker over HTTP. The worker accepts a
// job at POST {baseURL}/v1/jobs and answers with a stream of
// newline-delimited JSON frames:
//
//	{"type":"progress","fraction":0.4,"phase":"running","message":"..."}
//	{"type":"result","output":{"records":[...]}}
//	{"type":"error","message":"..."}
//
// Cancelling the context aborts the request, which the worker observes as
// a closed connection.
type Remote struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemote creates a client for the worker at baseURL. A zero timeout means
// runs may take as long as they need.
func NewRemote(baseURL string, timeout time.Duration) *Remote {
	return &Remote{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type frame struct {
	Type     string  `json:"type"`
	Fraction float64 `json:"fraction"`
	Phase    string  `json:"phase"`
	Message  string  `json:"message"`
	Output   *Output `json:"output"`
}

// Run submits job and consumes the frame stream until a result or error
// frame arrives.
func (r *Remote) Run(ctx context.Context, job Job, progress ProgressFunc) (*Output, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("remote: marshal job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: send job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("remote: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("remote: decode frame: %w", err)
		}
		switch f.Type {
		case "progress":
			if progress != nil {
				progress(f.Fraction, f.Phase, f.Message)
			}
		case "result":
			if f.Output == nil {
				return nil, errors.New("remote: result frame without output")
			}
			return f.Output, nil
		case "error":
			if f.Message == "" {
				f.Message = "worker reported an unspecified error"
			}
			return nil, fmt.Errorf("remote: %s", f.Message)
		default:
			// Unknown frame types are ignored so workers can add new ones.
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("remote: read stream: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, errors.New("remote: stream ended without a result")
}
