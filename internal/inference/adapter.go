// Package inference manages the exchange between a captured error
// context and a local Ollama-compatible text-generation endpoint. The
// adapter owns chunking, timeouts, sequential retries with exponential
// backoff, and the classification of failures into transient and
// semantic. It always returns a Result value; no failure crosses the
// adapter boundary as a panic.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"neurotrace/internal/errctx"
)

// State tracks a logical request through the adapter.
type State int

const (
	StatePending State = iota
	StateSending
	StateRetrying
	StateSucceeded
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSending:
		return "sending"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the externally supplied adapter settings.
type Config struct {
	// BaseURL is the endpoint address, e.g. http://localhost:11434.
	BaseURL string
	// Model is the model identifier passed on every request.
	Model string
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// MaxRetries bounds the total attempts per chunk, first try
	// included. 3 means at most three requests hit the wire.
	MaxRetries int
	// MaxChunkSize splits oversized payloads into ordered chunks.
	MaxChunkSize int
	// BackoffBase is the first retry delay; subsequent delays double.
	BackoffBase time.Duration
	// SystemPrompt optionally steers the analysis.
	SystemPrompt string
}

// DefaultConfig mirrors the stock local Ollama deployment.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "http://localhost:11434",
		Model:        "phi4",
		Timeout:      60 * time.Second,
		MaxRetries:   3,
		MaxChunkSize: 4096,
		BackoffBase:  500 * time.Millisecond,
	}
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.BaseURL == "" {
		return errors.New("inference: base URL must not be empty")
	}
	if c.Model == "" {
		return errors.New("inference: model must not be empty")
	}
	if c.Timeout < time.Second {
		return errors.New("inference: timeout must be at least one second")
	}
	if c.MaxRetries < 1 {
		return errors.New("inference: max retries must be at least 1")
	}
	if c.MaxChunkSize < 1 {
		return errors.New("inference: max chunk size must be positive")
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	return nil
}

// TransientError marks a retriable transport-level condition: connection
// failures, timeouts, and overload statuses from the endpoint.
type TransientError struct {
	Status int
	Err    error
}

// Error implements error.
func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient endpoint failure: %v", e.Err)
	}
	return fmt.Sprintf("transient endpoint failure: status %d", e.Status)
}

// Unwrap exposes the underlying transport error.
func (e *TransientError) Unwrap() error { return e.Err }

// SemanticError marks a well-formed rejection by the endpoint, such as
// an unknown model name. Semantic errors are never retried.
type SemanticError struct {
	Status  int
	Message string
}

// Error implements error.
func (e *SemanticError) Error() string {
	return fmt.Sprintf("endpoint rejected request (status %d): %s", e.Status, e.Message)
}

// ErrEmptyPayload is returned when there is nothing to analyze.
var ErrEmptyPayload = errors.New("inference: empty payload")

// ErrEmptyAnalysis is returned when the endpoint succeeded but produced
// no text; an empty analysis is classified as a failure, not a success.
var ErrEmptyAnalysis = errors.New("inference: endpoint returned empty analysis")

// Result is the value returned for every logical request.
type Result struct {
	State    State
	Analysis string
	// Attempts counts requests that actually hit the wire.
	Attempts int
	// Chunks is the number of ordered chunks the payload was split into.
	Chunks int
	Err    error
}

// Succeeded reports whether the result carries usable analysis text.
func (r Result) Succeeded() bool { return r.State == StateSucceeded }

// Adapter is a client for one inference endpoint.
type Adapter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	// sleep is swappable for tests; it must honor ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Adapter from a validated config. A nil logger is
// replaced with a no-op.
func New(cfg Config, logger *zap.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		sleep:  sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send serializes the error context and dispatches it for analysis.
func (a *Adapter) Send(ctx context.Context, ec *errctx.ErrorContext) Result {
	if ec == nil {
		return Result{State: StateFailed, Err: ErrEmptyPayload}
	}
	return a.Analyze(ctx, ec.Prompt())
}

// Analyze dispatches a serialized payload. Payloads over MaxChunkSize
// are split into ordered chunks sent as one logical request sequence;
// the endpoint reassembles them in order, the adapter does not interpret
// partial responses. The combined analysis text is returned on success.
func (a *Adapter) Analyze(ctx context.Context, payload string) Result {
	res := Result{State: StatePending}
	if strings.TrimSpace(payload) == "" {
		res.State = StateFailed
		res.Err = ErrEmptyPayload
		return res
	}

	chunks := splitChunks(payload, a.cfg.MaxChunkSize)
	res.Chunks = len(chunks)

	var parts []string
	for idx, chunk := range chunks {
		text, attempts, err := a.sendChunk(ctx, &res, chunk, idx+1, len(chunks))
		res.Attempts += attempts
		if err != nil {
			res.State = StateFailed
			res.Err = err
			return res
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, strings.TrimSpace(text))
		}
	}

	analysis := strings.Join(parts, "\n\n")
	if analysis == "" {
		res.State = StateFailed
		res.Err = ErrEmptyAnalysis
		return res
	}
	res.State = StateSucceeded
	res.Analysis = analysis
	return res
}

// sendChunk performs the attempt loop for a single chunk. Attempts are
// strictly sequential; delays between them are non-decreasing.
func (a *Adapter) sendChunk(ctx context.Context, res *Result, chunk string, index, total int) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := a.cfg.BackoffBase << (attempt - 2)
			a.logger.Debug("retrying inference request",
				zap.Int("attempt", attempt),
				zap.Int("chunk", index),
				zap.Duration("backoff", delay))
			if err := a.sleep(ctx, delay); err != nil {
				return "", attempt - 1, &TransientError{Err: err}
			}
		}
		res.State = StateSending

		text, err := a.post(ctx, chunk, index, total)
		if err == nil {
			return text, attempt, nil
		}

		var semantic *SemanticError
		if errors.As(err, &semantic) {
			// Semantic rejections are final: exactly one attempt.
			return "", attempt, err
		}
		lastErr = err
		res.State = StateRetrying
		a.logger.Warn("inference attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", a.cfg.MaxRetries),
			zap.Error(err))
	}
	return "", a.cfg.MaxRetries, lastErr
}

type generateRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	System      string `json:"system,omitempty"`
	Chunk       int    `json:"chunk,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
}

type generateLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// post issues one attempt and accumulates the streamed NDJSON response.
func (a *Adapter) post(ctx context.Context, chunk string, index, total int) (string, error) {
	reqBody := generateRequest{
		Model:  a.cfg.Model,
		Prompt: chunk,
		System: a.cfg.SystemPrompt,
	}
	if total > 1 {
		reqBody.Chunk = index
		reqBody.TotalChunks = total
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if transientStatus(resp.StatusCode) {
			return "", &TransientError{Status: resp.StatusCode}
		}
		return "", &SemanticError{Status: resp.StatusCode, Message: endpointMessage(msg)}
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var gl generateLine
		if err := json.Unmarshal(line, &gl); err != nil {
			return "", fmt.Errorf("failed to parse response line: %w", err)
		}
		if gl.Error != "" {
			return "", &SemanticError{Status: resp.StatusCode, Message: gl.Error}
		}
		full.WriteString(gl.Response)
		if gl.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", &TransientError{Err: fmt.Errorf("failed to read response stream: %w", err)}
	}
	return full.String(), nil
}

// transientStatus reports whether a status is worth retrying. Overload
// and gateway conditions are; other client errors are semantic.
func transientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// endpointMessage extracts a human-readable message from an error body.
func endpointMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "no error detail"
	}
	return s
}

// splitChunks cuts a payload into ordered pieces of at most size bytes.
func splitChunks(payload string, size int) []string {
	if size <= 0 || len(payload) <= size {
		return []string{payload}
	}
	chunks := make([]string, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}
