// Package openai provides an LLM provider backed by the OpenAI API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Use this to point
// the provider at an Azure OpenAI deployment or a local gateway.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements llm.Provider. Tool-call fragments are passed
// through as-is; assembling them into complete calls is the caller's job.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	capture := &headerCapture{}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params,
		option.WithMiddleware(capture.middleware))
	if err := stream.Err(); err != nil {
		return nil, wrapErr(err)
	}

	ch := make(chan llm.Delta, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		finishReason := ""
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}

			if choice.Delta.Content != "" {
				if !send(ctx, ch, llm.Delta{Kind: llm.DeltaText, Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				out := llm.Delta{
					Kind: llm.DeltaToolCall,
					ToolCall: llm.ToolCallDelta{
						Index:        int(tc.Index),
						ID:           tc.ID,
						Name:         tc.Function.Name,
						ArgsFragment: tc.Function.Arguments,
					},
				}
				if !send(ctx, ch, out) {
					return
				}
			}
		}

		end := llm.Delta{
			Kind:         llm.DeltaEnd,
			FinishReason: finishReason,
			RateLimit:    capture.snapshot(),
		}
		if err := stream.Err(); err != nil {
			end.Err = wrapErr(err)
			end.FinishReason = ""
		}
		send(ctx, ch, end)
	}()

	return ch, nil
}

// send delivers d unless ctx is cancelled first.
func send(ctx context.Context, ch chan<- llm.Delta, d llm.Delta) bool {
	select {
	case ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// wrapErr converts SDK failures into llm.APIError so callers can classify
// them without knowing the SDK's error types.
func wrapErr(err error) error {
	var apiErr *oai.Error
	if !errors.As(err, &apiErr) {
		return &llm.APIError{Err: err}
	}
	out := &llm.APIError{
		StatusCode: apiErr.StatusCode,
		Err:        err,
	}
	if apiErr.Response != nil {
		out.RequestID = apiErr.Response.Header.Get("x-request-id")
		out.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("retry-after"))
	}
	return out
}

// parseRetryAfter interprets a Retry-After header value in seconds. Returns
// zero for empty or unparseable values (the HTTP-date form is not used by
// the OpenAI API).
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// headerCapture records rate-limit response headers from the last completed
// request. Registered as per-request middleware so the captured state is
// scoped to one stream.
type headerCapture struct {
	mu   sync.Mutex
	info *llm.RateLimitInfo
}

func (h *headerCapture) middleware(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	resp, err := next(req)
	if resp != nil {
		if info := rateLimitFromHeader(resp.Header); info != nil {
			h.mu.Lock()
			h.info = info
			h.mu.Unlock()
		}
	}
	return resp, err
}

func (h *headerCapture) snapshot() *llm.RateLimitInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// rateLimitFromHeader extracts the OpenAI rate-limit headers. Returns nil
// when none are present.
func rateLimitFromHeader(hdr http.Header) *llm.RateLimitInfo {
	info := &llm.RateLimitInfo{
		RequestID:         hdr.Get("x-request-id"),
		Region:            hdr.Get("x-ms-region"),
		RetryAfter:        hdr.Get("retry-after"),
		RemainingRequests: hdr.Get("x-ratelimit-remaining-requests"),
		RemainingTokens:   hdr.Get("x-ratelimit-remaining-tokens"),
		LimitRequests:     hdr.Get("x-ratelimit-limit-requests"),
		LimitTokens:       hdr.Get("x-ratelimit-limit-tokens"),
		ResetRequests:     hdr.Get("x-ratelimit-reset-requests"),
		ResetTokens:       hdr.Get("x-ratelimit-reset-tokens"),
	}
	if *info == (llm.RateLimitInfo{}) {
		return nil
	}
	return info
}

// buildParams converts a Request into OpenAI SDK params.
func (p *Provider) buildParams(req llm.Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = param.NewOpt(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	for _, td := range req.Tools {
		toolParam := oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		}
		params.Tools = append(params.Tools, toolParam)
	}

	return params, nil
}

// convertMessage converts a types.Message to an OpenAI SDK message param.
func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil

	case "user":
		return oai.UserMessage(m.Content), nil

	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
