package steps

import (
	"context"
	"strings"
	"time"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// httpCall is the part shared by api_call, webhook and make_com steps.
type httpCall struct {
	client    HTTPClient
	extractor *expressions.Extractor
	timeout   time.Duration
}

func (h *httpCall) do(ctx context.Context, kind schema.StepKind, seconds float64, req HTTPRequest) (*HTTPResponse, error) {
	if h.client == nil {
		return nil, notConfigured(kind, "HTTP client")
	}
	ctx, cancel, d := withTimeout(ctx, seconds, h.timeout)
	defer cancel()

	resp, err := h.client.Do(ctx, req)
	if err != nil {
		return nil, timeoutError(ctx, kind, d, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, stepError("%s %s returned status %d: %s", req.Method, req.URL, resp.StatusCode,
			truncate(expressions.Stringify(resp.Body), 512))
	}
	return resp, nil
}

// extract applies the step's jq queries to the response body.
func (h *httpCall) extract(ctx context.Context, queries map[string]string, body any, out map[string]any) error {
	if len(queries) == 0 {
		return nil
	}
	if h.extractor == nil {
		return stepError("extract requires a jq extractor")
	}
	vars, err := h.extractor.ExtractAll(ctx, queries, body)
	if err != nil {
		return err
	}
	for k, v := range vars {
		out[k] = v
	}
	return nil
}

func (h *httpCall) validateExtract(queries map[string]string) error {
	for name, q := range queries {
		if h.extractor == nil {
			break
		}
		if err := h.extractor.Validate(q); err != nil {
			return schema.NewErrorf(schema.ErrCodeInvalidStepDefinition, "extract.%s: %s", name, errorText(err))
		}
	}
	return nil
}

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true, "OPTIONS": true,
}

func normalizeMethod(method, fallback string, placeholders bool) (string, error) {
	if method == "" {
		return fallback, nil
	}
	if placeholders && expressions.HasTokens(method) {
		return method, nil
	}
	m := strings.ToUpper(method)
	if !httpMethods[m] {
		return "", schema.NewErrorf(schema.ErrCodeInvalidStepDefinition, "unsupported HTTP method %q", method)
	}
	return m, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// --- api_call ---

type apiCallConfig struct {
	URL            string            `json:"url" validate:"required"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Query          map[string]string `json:"query,omitempty"`
	Body           any               `json:"body,omitempty"`
	TimeoutSeconds float64           `json:"timeoutSeconds,omitempty" validate:"gte=0"`
	Extract        map[string]string `json:"extract,omitempty"`
}

type apiCallStep struct {
	httpCall
}

func (s *apiCallStep) Kind() schema.StepKind { return schema.StepAPICall }

func (s *apiCallStep) Schema() StepSchema {
	return StepSchema{
		Description: "Call an HTTP API",
		Required:    []string{"url"},
		Optional:    []string{"method", "headers", "query", "body", "timeoutSeconds", "extract"},
		Outputs:     []string{"statusCode", "response"},
		Network:     true,
	}
}

func (s *apiCallStep) decode(config map[string]any, placeholders bool) (*apiCallConfig, error) {
	var cfg apiCallConfig
	if err := decodeConfig(config, &cfg, placeholders); err != nil {
		return nil, err
	}
	m, err := normalizeMethod(cfg.Method, "GET", placeholders)
	if err != nil {
		return nil, err
	}
	cfg.Method = m
	return &cfg, nil
}

func (s *apiCallStep) Validate(config map[string]any) error {
	cfg, err := s.decode(config, true)
	if err != nil {
		return err
	}
	return s.validateExtract(cfg.Extract)
}

func (s *apiCallStep) Execute(ctx context.Context, in Input) (map[string]any, error) {
	cfg, err := s.decode(in.Config, false)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(ctx, s.Kind(), cfg.TimeoutSeconds, HTTPRequest{
		Method:  cfg.Method,
		URL:     cfg.URL,
		Headers: cfg.Headers,
		Query:   cfg.Query,
		Body:    cfg.Body,
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"statusCode": resp.StatusCode,
		"response":   resp.Body,
	}
	if err := s.extract(ctx, cfg.Extract, resp.Body, out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- webhook ---

type webhookConfig struct {
	URL            string            `json:"url" validate:"required"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        any               `json:"payload,omitempty"`
	TimeoutSeconds float64           `json:"timeoutSeconds,omitempty" validate:"gte=0"`
	Extract        map[string]string `json:"extract,omitempty"`
}

type webhookStep struct {
	httpCall
}

func (s *webhookStep) Kind() schema.StepKind { return schema.StepWebhook }

func (s *webhookStep) Schema() StepSchema {
	return StepSchema{
		Description: "Deliver a payload to an outgoing webhook",
		Required:    []string{"url"},
		Optional:    []string{"method", "headers", "payload", "timeoutSeconds", "extract"},
		Outputs:     []string{"webhookStatus", "webhookResponse"},
		Network:     true,
	}
}

func (s *webhookStep) decode(config map[string]any, placeholders bool) (*webhookConfig, error) {
	var cfg webhookConfig
	if err := decodeConfig(config, &cfg, placeholders); err != nil {
		return nil, err
	}
	m, err := normalizeMethod(cfg.Method, "POST", placeholders)
	if err != nil {
		return nil, err
	}
	cfg.Method = m
	return &cfg, nil
}

func (s *webhookStep) Validate(config map[string]any) error {
	cfg, err := s.decode(config, true)
	if err != nil {
		return err
	}
	return s.validateExtract(cfg.Extract)
}

func (s *webhookStep) Execute(ctx context.Context, in Input) (map[string]any, error) {
	cfg, err := s.decode(in.Config, false)
	if err != nil {
		return nil, err
	}
	payload := cfg.Payload
	if payload == nil && in.Run != nil {
		payload = in.Run.Variables
	}
	resp, err := s.do(ctx, s.Kind(), cfg.TimeoutSeconds, HTTPRequest{
		Method:  cfg.Method,
		URL:     cfg.URL,
		Headers: cfg.Headers,
		Body:    payload,
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"webhookStatus":   resp.StatusCode,
		"webhookResponse": resp.Body,
	}
	if err := s.extract(ctx, cfg.Extract, resp.Body, out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- make_com ---

type makeComConfig struct {
	WebhookURL     string            `json:"webhookUrl" validate:"required"`
	Data           map[string]any    `json:"data,omitempty"`
	TimeoutSeconds float64           `json:"timeoutSeconds,omitempty" validate:"gte=0"`
	Extract        map[string]string `json:"extract,omitempty"`
}

type makeComStep struct {
	httpCall
}

func (s *makeComStep) Kind() schema.StepKind { return schema.StepMakeCom }

func (s *makeComStep) Schema() StepSchema {
	return StepSchema{
		Description: "Trigger a Make.com scenario through its webhook",
		Required:    []string{"webhookUrl"},
		Optional:    []string{"data", "timeoutSeconds", "extract"},
		Outputs:     []string{"makeStatus", "makeResponse"},
		Network:     true,
	}
}

func (s *makeComStep) Validate(config map[string]any) error {
	var cfg makeComConfig
	if err := decodeConfig(config, &cfg, true); err != nil {
		return err
	}
	return s.validateExtract(cfg.Extract)
}

func (s *makeComStep) Execute(ctx context.Context, in Input) (map[string]any, error) {
	var cfg makeComConfig
	if err := decodeConfig(in.Config, &cfg, false); err != nil {
		return nil, err
	}
	data := cfg.Data
	if data == nil {
		data = map[string]any{}
	}
	if in.Run != nil {
		data = withRunMeta(data, in.Run)
	}
	resp, err := s.do(ctx, s.Kind(), cfg.TimeoutSeconds, HTTPRequest{
		Method:  "POST",
		URL:     cfg.WebhookURL,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    data,
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"makeStatus":   resp.StatusCode,
		"makeResponse": resp.Body,
	}
	if err := s.extract(ctx, cfg.Extract, resp.Body, out); err != nil {
		return nil, err
	}
	return out, nil
}

// withRunMeta copies data and tags it with the originating workflow and run.
func withRunMeta(data map[string]any, rc *schema.RunContext) map[string]any {
	out := make(map[string]any, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	if _, ok := out["workflowId"]; !ok {
		out["workflowId"] = rc.WorkflowID
	}
	if _, ok := out["runId"]; !ok {
		out["runId"] = rc.RunID
	}
	return out
}
