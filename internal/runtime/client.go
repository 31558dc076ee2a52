package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vibedev/agentd/internal/common/logger"
)

// HTTPClient talks to the agent runtime over HTTP with an SSE event feed.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewHTTPClient creates a runtime client. requestTimeout bounds ordinary
// requests; prompt submission and event feeds are bounded by their
// context instead, since they can outlive any fixed request timeout.
func NewHTTPClient(baseURL, token string, requestTimeout time.Duration, log *logger.Logger) *HTTPClient {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger: log,
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateRun requests a new run from the runtime.
func (c *HTTPClient) CreateRun(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/session", strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("create run request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create run failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var run runResponse
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return "", fmt.Errorf("parse run response: %w", err)
	}
	if run.ID == "" {
		return "", fmt.Errorf("create run returned empty id")
	}
	return run.ID, nil
}

// SubmitPrompt sends the prompt and blocks until the run reaches a terminal
// result. Prompts can take minutes, so the request is bounded by ctx rather
// than the ordinary client timeout.
func (c *HTTPClient) SubmitPrompt(ctx context.Context, runID string, promptReq PromptRequest) error {
	body, err := json.Marshal(promptReq)
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}

	path := fmt.Sprintf("/session/%s/message", runID)
	req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(string(body)))
	if err != nil {
		return err
	}

	promptClient := &http.Client{}
	resp, err := promptClient.Do(req)
	if err != nil {
		return fmt.Errorf("send prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read prompt response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrRunNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	trimmed := strings.TrimSpace(string(respBody))
	if trimmed == "" {
		return nil
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return fmt.Errorf("parse prompt response: %w", err)
	}

	// Error responses arrive as { name, data: { message } } with HTTP 200.
	if name, ok := parsed["name"].(string); ok {
		message := "unknown error"
		if data, ok := parsed["data"].(map[string]any); ok {
			if msg, ok := data["message"].(string); ok {
				message = msg
			}
		}
		return fmt.Errorf("prompt error: %s: %s", name, message)
	}

	return nil
}

// SubscribeEvents opens the run's SSE event feed and returns a channel of
// decoded events. The channel is closed when the feed ends or ctx is
// cancelled.
func (c *HTTPClient) SubscribeEvents(ctx context.Context, runID string) (<-chan RunEvent, error) {
	path := fmt.Sprintf("/session/%s/event", runID)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No timeout for the stream; lifetime is bounded by ctx.
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect event feed: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, ErrRunNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("event feed failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	events := make(chan RunEvent, 64)
	go c.readEventStream(ctx, runID, resp.Body, events)
	return events, nil
}

// readEventStream reads SSE frames from body and decodes their data payloads.
func (c *HTTPClient) readEventStream(ctx context.Context, runID string, body io.ReadCloser, events chan<- RunEvent) {
	defer close(events)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	// Events can carry large tool results
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var dataBuffer strings.Builder

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}

		// Empty line ends the frame
		if line == "" && dataBuffer.Len() > 0 {
			data := strings.TrimSpace(dataBuffer.String())
			dataBuffer.Reset()
			if data == "" {
				continue
			}

			var event RunEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				c.logger.Warn("Failed to parse runtime event",
					zap.String("run_id", runID),
					zap.Error(err))
				continue
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("Runtime event feed error",
			zap.String("run_id", runID),
			zap.Error(err))
	}
}

type statusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// GetRunStatus returns the runtime's current view of a run.
func (c *HTTPClient) GetRunStatus(ctx context.Context, runID string) (RunStatus, error) {
	path := fmt.Sprintf("/session/%s", runID)
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", fmt.Errorf("run status request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrRunNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("run status failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("parse status response: %w", err)
	}
	if status.Status == "" {
		return "", fmt.Errorf("run status missing in response")
	}
	return RunStatus(status.Status), nil
}

// AbortRun requests the runtime stop a run. Errors are ignored; the caller's
// local state already reflects the cancellation.
func (c *HTTPClient) AbortRun(ctx context.Context, runID string) error {
	path := fmt.Sprintf("/session/%s/abort", runID)

	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.doRequest(abortCtx, http.MethodPost, path, nil)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.ReadAll(resp.Body)
	return nil
}

var _ Client = (*HTTPClient)(nil)
