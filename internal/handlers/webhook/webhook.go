// Package webhook holds the outbound HTTP call task.
package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"

	"taskrelay/internal/registry"
)

const Name = "tasks.webhook"

// maxBody caps how much of the response body is kept in the result.
const maxBody = 64 << 10

type Request struct {
	URL     string            `json:"url" yaml:"url"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
	Timeout int               `json:"timeout,omitempty" yaml:"timeout,omitempty"` // seconds
}

type Response struct {
	StatusCode int               `json:"status_code" yaml:"status_code"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body       string            `json:"body,omitempty" yaml:"body,omitempty"`
}

type Caller struct {
	client *http.Client
}

func NewCaller(client *http.Client) *Caller {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &Caller{client: client}
}

// Call performs req. Any status >= 400 is returned as an error so the task
// ends in FAILURE.
func (c *Caller) Call(ctx context.Context, req Request) (Response, error) {
	if req.URL == "" {
		return Response{}, fmt.Errorf("url is required")
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	zerolog.Ctx(ctx).Info().Str("method", httpReq.Method).Str("url", req.URL).Msg("calling webhook")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Response{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	out := Response{StatusCode: resp.StatusCode, Body: string(data), Headers: map[string]string{}}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

// Register adds the webhook task backed by c.
func Register(reg *registry.Registry, c *Caller) error {
	return reg.Register(registry.Definition{Name: Name, Handler: registry.Func1(c.Call)})
}
