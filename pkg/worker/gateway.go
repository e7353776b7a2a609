// Package worker submits reconstruction jobs to the worker backend and
// queries their status.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fitrun/fitrun/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const maxErrorBody = 512

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("worker unavailable")

// StatusError is a non-2xx reply from the worker.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("worker returned %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the worker.
func IsNotFound(err error) bool {
	var se *StatusError

	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// countsAsSuccess tells the breaker which outcomes leave the worker
// healthy. Client errors are answers from a live worker about one job.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Code < http.StatusInternalServerError
	}

	return false
}

// Job is a reconstruction request.
type Job struct {
	ID       string   `json:"job_id"`
	InputKey string   `json:"input_key"`
	HeightCm *float64 `json:"height_cm,omitempty"`
}

// Status is the worker's view of a job.
type Status struct {
	JobID     string
	Status    string
	OutputURL string
	OutputKey string
}

// Gateway is the worker backend.
type Gateway interface {
	Submit(ctx context.Context, job Job) error
	FetchStatus(ctx context.Context, jobID string) (*Status, error)
}

// Compile-time interface check.
var _ Gateway = (*httpGateway)(nil)

type httpGateway struct {
	log     logrus.FieldLogger
	cfg     *config.WorkerConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPGateway creates a Gateway talking to the worker's HTTP API.
func NewHTTPGateway(log logrus.FieldLogger, cfg *config.WorkerConfig) Gateway {
	log = log.WithField("component", "worker-gateway")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "worker",
		Interval: cfg.Breaker.Interval,
		Timeout:  cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.Breaker.MaxFailures > 0 &&
				counts.ConsecutiveFailures >= cfg.Breaker.MaxFailures
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("breaker", name).
				WithField("from", from.String()).
				WithField("to", to.String()).
				Warn("Worker circuit breaker state changed")
		},
	})

	return &httpGateway{
		log:     log,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}
}

// Submit enqueues job on the worker.
func (g *httpGateway) Submit(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	_, err = g.execute(func() (any, error) {
		req, err := g.newRequest(ctx, http.MethodPost, "/enqueue", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/json")

		return nil, g.do(req, nil)
	})
	if err != nil {
		return fmt.Errorf("submitting job %s: %w", job.ID, err)
	}

	g.log.WithField("job_id", job.ID).Debug("Job submitted")

	return nil
}

type statusResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url"`
}

// FetchStatus returns the worker's current view of jobID.
func (g *httpGateway) FetchStatus(ctx context.Context, jobID string) (*Status, error) {
	result, err := g.execute(func() (any, error) {
		req, err := g.newRequest(
			ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil,
		)
		if err != nil {
			return nil, err
		}

		var resp statusResponse
		if err := g.do(req, &resp); err != nil {
			return nil, err
		}

		return &resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching status of job %s: %w", jobID, err)
	}

	resp, _ := result.(*statusResponse)

	return &Status{
		JobID:     jobID,
		Status:    resp.Status,
		OutputURL: resp.OutputURL,
		OutputKey: OutputKeyFromURL(resp.OutputURL),
	}, nil
}

func (g *httpGateway) execute(fn func() (any, error)) (any, error) {
	result, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return result, err
}

func (g *httpGateway) newRequest(
	ctx context.Context, method, path string, body io.Reader,
) (*http.Request, error) {
	endpoint := strings.TrimRight(g.cfg.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	if g.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", g.cfg.APIKey)
	}

	return req, nil
}

func (g *httpGateway) do(req *http.Request, out any) error {
	start := time.Now()

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling worker: %w", err)
	}
	defer resp.Body.Close()

	g.log.WithField("method", req.Method).
		WithField("path", req.URL.Path).
		WithField("status", resp.StatusCode).
		WithField("duration", time.Since(start)).
		Debug("Worker request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding worker response: %w", err)
	}

	return nil
}

// OutputKeyFromURL derives the storage key of an output artifact from the
// URL the worker reports: the path after the last "/assets/" segment, or
// the whole path when there is none.
func OutputKeyFromURL(raw string) string {
	if raw == "" {
		return ""
	}

	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}

	if i := strings.LastIndex(p, "/assets/"); i >= 0 {
		return p[i+len("/assets/"):]
	}

	return strings.TrimPrefix(p, "/")
}
