package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"driftsync/internal/models"

	"github.com/rs/zerolog"
)

// HTTPReplay executes deferred operations by replaying them as HTTP requests
// against the upstream API. The queue owns timeouts and retries; this type
// only performs a single attempt and reports its outcome.
type HTTPReplay struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func NewHTTPReplay(baseURL string, logger zerolog.Logger) *HTTPReplay {
	return &HTTPReplay{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With().Str("component", "http-executor").Logger(),
	}
}

func (e *HTTPReplay) Execute(ctx context.Context, item *models.QueueItem) error {
	target, err := e.resolveTarget(item.Target)
	if err != nil {
		return err
	}

	var body io.Reader
	if len(item.Payload) > 0 {
		data, err := json.Marshal(item.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, item.Method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range item.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Request-ID", item.RequestID)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch %s %s: %w", item.Method, item.Target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.logger.Debug().
			Str("request_id", item.RequestID).
			Int("status", resp.StatusCode).
			Msg("operation replayed")
		return nil
	}

	return fmt.Errorf("upstream returned %d for %s %s", resp.StatusCode, item.Method, item.Target)
}

func (e *HTTPReplay) resolveTarget(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target: %w", err)
	}
	if u.IsAbs() {
		return target, nil
	}
	if e.baseURL == "" {
		return "", fmt.Errorf("relative target %q needs a base url", target)
	}
	return e.baseURL + "/" + strings.TrimLeft(target, "/"), nil
}
