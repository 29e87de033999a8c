package remote

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

	"github.com/davidroman0O/flowgate/internal/clock"
	"github.com/davidroman0O/flowgate/types"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	maxResponseBytes      = 4 << 20
)

// Operation names, used in RemoteUnavailableError and fallback metrics.
const (
	OpHealth    = "health"
	OpStart     = "start"
	OpSignal    = "signal"
	OpCancel    = "cancel"
	OpTerminate = "terminate"
	OpDescribe  = "describe"
)

var ErrInvalidBaseURL = errors.New("invalid remote base url")

// StartRequest carries the parameters of a remote start.
type StartRequest struct {
	WorkflowType string
	Input        any
	Options      types.StartOptions
}

// Client talks to the remote durable-execution cluster over HTTP+JSON.
// A 404 on a workflow resource wraps types.ErrExecutionNotFound; every other
// failure comes back as a *types.RemoteUnavailableError.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	clock   clock.Clock
	timeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithRequestTimeout bounds every request that has no earlier deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.timeout = d
	}
}

func WithClock(clk clock.Clock) Option {
	return func(cl *Client) {
		cl.clock = clk
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Join(ErrInvalidBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Join(ErrInvalidBaseURL, fmt.Errorf("%q needs an http(s) scheme and a host", baseURL))
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{},
		clock:   clock.Real(),
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Health succeeds only when the cluster answers and reports itself healthy.
func (c *Client) Health(ctx context.Context) error {
	var h wireHealth
	if err := c.do(ctx, OpHealth, http.MethodGet, "/api/v1/health", nil, &h); err != nil {
		return err
	}
	if h.Healthy == nil {
		return unavailable(OpHealth, schemaError("missing required field %q", "healthy"))
	}
	if !*h.Healthy {
		return unavailable(OpHealth, errors.New("cluster reports unhealthy"))
	}
	return nil
}

func (c *Client) Start(ctx context.Context, req StartRequest) (types.WorkflowExecution, error) {
	body := wireStartRequest{
		WorkflowType:       req.WorkflowType,
		WorkflowID:         req.Options.WorkflowID,
		TaskQueue:          req.Options.TaskQueue,
		Input:              req.Input,
		ExecutionTimeoutMs: req.Options.ExecutionTimeout.Milliseconds(),
		SearchAttributes:   req.Options.SearchAttributes,
		Memo:               req.Options.Memo,
	}
	var w wireExecution
	if err := c.do(ctx, OpStart, http.MethodPost, "/api/v1/workflows", body, &w); err != nil {
		return types.WorkflowExecution{}, err
	}
	exec, err := w.toExecution(c.clock.Now())
	if err != nil {
		return types.WorkflowExecution{}, unavailable(OpStart, err)
	}
	return exec, nil
}

func (c *Client) Describe(ctx context.Context, workflowID string) (types.WorkflowExecution, error) {
	var w wireExecution
	if err := c.do(ctx, OpDescribe, http.MethodGet, workflowPath(workflowID, ""), nil, &w); err != nil {
		return types.WorkflowExecution{}, err
	}
	exec, err := w.toExecution(c.clock.Now())
	if err != nil {
		return types.WorkflowExecution{}, unavailable(OpDescribe, err)
	}
	if exec.WorkflowID != workflowID {
		return types.WorkflowExecution{}, unavailable(OpDescribe, schemaError("asked for workflow %s, got %s", workflowID, exec.WorkflowID))
	}
	return exec, nil
}

func (c *Client) Signal(ctx context.Context, workflowID, name string, payload any) (bool, error) {
	return c.deliver(ctx, OpSignal, workflowPath(workflowID, "signal"), wireSignalRequest{SignalName: name, Payload: payload})
}

func (c *Client) Cancel(ctx context.Context, workflowID, reason string) (bool, error) {
	return c.deliver(ctx, OpCancel, workflowPath(workflowID, "cancel"), wireReasonRequest{Reason: reason})
}

func (c *Client) Terminate(ctx context.Context, workflowID, reason string) (bool, error) {
	return c.deliver(ctx, OpTerminate, workflowPath(workflowID, "terminate"), wireReasonRequest{Reason: reason})
}

func (c *Client) deliver(ctx context.Context, op, path string, body any) (bool, error) {
	var w wireDelivery
	if err := c.do(ctx, op, http.MethodPost, path, body, &w); err != nil {
		return false, err
	}
	delivered, err := w.delivered()
	if err != nil {
		return false, unavailable(op, err)
	}
	return delivered, nil
}

func workflowPath(workflowID, action string) string {
	p := "/api/v1/workflows/" + url.PathEscape(workflowID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return unavailable(op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return unavailable(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return unavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/api/v1/workflows/") {
		return fmt.Errorf("%s %s: %w", method, path, types.ErrExecutionNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return unavailable(op, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return unavailable(op, errors.Join(types.ErrInvalidRemoteSchema, fmt.Errorf("decode %s response: %w", op, err)))
	}
	if dec.More() {
		return unavailable(op, schemaError("trailing data after %s response", op))
	}
	return nil
}

func unavailable(op string, cause error) error {
	return &types.RemoteUnavailableError{Op: op, Cause: cause}
}
