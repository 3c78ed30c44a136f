package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rendis/autoflow/internal/steps"
)

// HTTPConfig configures the shared outbound HTTP client. Requests carry no
// client-wide timeout; each step bounds its call through the context.
type HTTPConfig struct {
	RetryCount int
	UserAgent  string
	Logger     *slog.Logger
}

// RestyClient is the HTTP client behind api_call, webhook and make_com steps
// and the SaaS connectors.
type RestyClient struct {
	client *resty.Client
	logger *slog.Logger
}

var _ steps.HTTPClient = (*RestyClient)(nil)

// NewHTTPClient builds a resty client that retries transport errors, 5xx and
// 429 responses.
func NewHTTPClient(cfg HTTPConfig) *RestyClient {
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "autoflow"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetHeader("User-Agent", cfg.UserAgent).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	client.AddRetryCondition(retryCondition)

	return &RestyClient{client: client, logger: logger}
}

func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		// A cancelled or expired step context is final.
		return r == nil || r.Request == nil || r.Request.Context().Err() == nil
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code >= 500 || code == http.StatusTooManyRequests
}

// Resty exposes the underlying client so connectors share its transport.
func (c *RestyClient) Resty() *resty.Client { return c.client }

// Do sends the request. JSON response bodies are decoded; anything else is
// returned as a string.
func (c *RestyClient) Do(ctx context.Context, req steps.HTTPRequest) (*steps.HTTPResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	r := c.client.R().
		SetContext(ctx).
		SetHeaders(req.Headers).
		SetQueryParams(req.Query)
	if req.Body != nil {
		if s, ok := req.Body.(string); ok {
			r.SetBody(s)
		} else {
			r.SetHeader("Content-Type", "application/json").SetBody(req.Body)
		}
	}

	start := time.Now()
	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}
	c.logger.DebugContext(ctx, "http request completed",
		slog.String("method", method),
		slog.String("url", req.URL),
		slog.Int("status", resp.StatusCode()),
		slog.Duration("duration", time.Since(start)),
	)

	headers := make(map[string]string, len(resp.Header()))
	for k := range resp.Header() {
		headers[k] = resp.Header().Get(k)
	}
	return &steps.HTTPResponse{
		StatusCode: resp.StatusCode(),
		Headers:    headers,
		Body:       decodeBody(resp.Body()),
	}, nil
}

func decodeBody(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
