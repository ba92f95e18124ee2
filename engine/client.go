// Package engine is the thin HTTP client to the graph engine. The engine is
// an opaque peer: it accepts graph submissions, reports history, serves
// media, and exposes model/node catalogs behind a handful of URL prefixes.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matyoung89/ComfyEndpoints/contract"
	"github.com/matyoung89/ComfyEndpoints/errors"
)

// catalogPrefixes is walked in order for catalog endpoints; the engine's
// manager plugin has moved these routes across releases. 404 means try the
// next prefix.
var catalogPrefixes = []string{"/api/", "/manager/", "/"}

// Error carries the engine's HTTP status and body for a failed call.
type Error struct {
	Status int
	Body   string
	JSON   map[string]interface{}
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return "engine returned status " + httpStatusText(e.Status) + ": " + truncate(e.Body, 500)
	}
	return "engine unreachable: " + truncate(e.Body, 500)
}

func httpStatusText(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "unknown"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// newError builds an Error, parsing the body as JSON when possible.
func newError(status int, body []byte) *Error {
	e := &Error{Status: status, Body: string(body)}
	var parsed map[string]interface{}
	if json.Unmarshal(body, &parsed) == nil {
		e.JSON = parsed
	}
	return e
}

// Client is a stateless engine client; callers may share one instance.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewClient creates a Client for the engine at baseURL with a per-request
// timeout. Requests share a rate limiter so catalog probes and history
// polls cannot flood the engine while it is executing a graph.
func NewClient(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(20), 20),
		logger:  logger,
	}
}

// WrapTransport swaps the underlying HTTP client; used by tests against
// httptest servers.
func (c *Client) WrapTransport(h *http.Client) {
	c.http = h
}

// BaseURL returns the engine base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, errors.Wrap(err, "engine request limiter")
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "encode engine request")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, errors.Wrap(err, "build engine request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(errors.ErrServiceUnavailable, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "read engine response")
	}
	return resp.StatusCode, data, nil
}

// doJSON performs a request and decodes a 2xx JSON body.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	status, data, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return newError(status, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decode engine response from %s", path)
	}
	return nil
}

// Submit queues a graph for execution and returns the engine prompt id.
func (c *Client) Submit(ctx context.Context, graph contract.Graph) (string, error) {
	var resp struct {
		PromptID string `json:"prompt_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/prompt", map[string]interface{}{"prompt": graph}, &resp); err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", &Error{Status: 200, Body: "response missing prompt_id"}
	}
	return resp.PromptID, nil
}

// History returns the engine's history entry for a prompt id. The map is
// empty until the engine has started recording the prompt.
func (c *Client) History(ctx context.Context, promptID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PromptDone reports whether the history entry for promptID carries a
// completed status.
func PromptDone(history map[string]interface{}, promptID string) bool {
	entry, ok := history[promptID].(map[string]interface{})
	if !ok {
		return false
	}
	status, ok := entry["status"].(map[string]interface{})
	if !ok {
		// Older engines record outputs without a status block.
		_, hasOutputs := entry["outputs"]
		return hasOutputs
	}
	completed, _ := status["completed"].(bool)
	return completed
}

// ViewMedia fetches media bytes the engine produced.
func (c *Client) ViewMedia(ctx context.Context, filename, subfolder, mediaType string) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", mediaType)
	status, data, err := c.do(ctx, http.MethodGet, "/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, newError(status, data)
	}
	return data, nil
}

// Interrupt asks the engine to abort the currently running prompt.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/interrupt", nil, nil)
}

// CancelQueued removes a not-yet-running prompt from the engine queue.
func (c *Client) CancelQueued(ctx context.Context, promptID string) error {
	return c.doJSON(ctx, http.MethodPost, "/queue", map[string]interface{}{"delete": []string{promptID}}, nil)
}

// SystemStats is the readiness probe.
func (c *Client) SystemStats(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/system_stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ObjectInfo returns the engine's node class schemas.
func (c *Client) ObjectInfo(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/object_info", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
