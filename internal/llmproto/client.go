package llmproto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/subweave/subweave/pkg/types"
)

// defaultTimeout bounds a single LLM call.
const defaultTimeout = 180 * time.Second

// Request is a completion request independent of the protocol shape chosen.
type Request struct {
	// System is the system/instruction prompt. May be empty.
	System string

	// User is the user prompt body.
	User string

	// JSONObject requests a JSON-object response format where supported.
	JSONObject bool

	// Extra holds provider-specific body fields injected verbatim into the
	// request (e.g. qwen-mt translation_options).
	Extra map[string]any
}

// Response is the protocol-independent completion result.
type Response struct {
	Content  string
	Usage    types.Usage
	Protocol Protocol
}

// Caller abstracts a negotiated LLM endpoint so the translation engine can be
// tested against a fake.
type Caller interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// CallError is the failure of a single protocol attempt (the last one when
// all attempts fail).
type CallError struct {
	Protocol Protocol
	Status   int
	Text     string
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm %s call failed (HTTP %d): %s", e.Protocol, e.Status, e.Text)
	}
	return fmt.Sprintf("llm %s call failed: %s", e.Protocol, e.Text)
}

// AccessDenied reports whether the failure is a credential/quota problem.
func (e *CallError) AccessDenied() bool {
	return IsAccessDenied(e.Status, e.Text)
}

// ClientConfig configures a negotiated endpoint client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// Timeout bounds each HTTP call. Zero means 180 s.
	Timeout time.Duration
}

// Client speaks both OpenAI-compatible shapes against a single endpoint,
// trying them in negotiated order. Safe for concurrent use.
type Client struct {
	cfg   ClientConfig
	order [2]Protocol
	oai   oai.Client
}

// Compile-time interface assertion.
var _ Caller = (*Client)(nil)

// NewClient builds a Client for the endpoint, deciding the protocol order
// from the base URL and model name.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		cfg:   cfg,
		order: DecideOrder(cfg.BaseURL, cfg.Model),
		oai:   oai.NewClient(reqOpts...),
	}
}

// Order exposes the negotiated protocol order, used in probe cache keys.
func (c *Client) Order() [2]Protocol { return c.order }

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Complete issues the request with the first protocol; when the failure
// classifies as shape-related it retries once with the second. Access-denied
// failures surface immediately.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr *CallError
	for _, proto := range c.order {
		resp, err := c.callOnce(ctx, proto, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ce := asCallError(proto, err)
		if !ShouldFallback(ce.Status, ce.Text) {
			return nil, ce
		}
		slog.Warn("llm protocol attempt failed, trying next shape",
			"protocol", proto, "status", ce.Status, "model", c.cfg.Model)
		lastErr = ce
	}
	return nil, lastErr
}

// callOnce issues a single request with the given protocol shape.
func (c *Client) callOnce(ctx context.Context, proto Protocol, req Request) (*Response, error) {
	var extra []option.RequestOption
	for k, v := range req.Extra {
		extra = append(extra, option.WithJSONSet(k, v))
	}

	switch proto {
	case ProtocolResponses:
		params := responses.ResponseNewParams{
			Model: shared.ResponsesModel(c.cfg.Model),
			Input: responses.ResponseNewParamsInputUnion{OfString: oai.String(req.User)},
		}
		if req.System != "" {
			params.Instructions = oai.String(req.System)
		}
		if req.JSONObject {
			params.Text = responses.ResponseTextConfigParam{
				Format: responses.ResponseFormatTextConfigUnionParam{
					OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
				},
			}
		}
		resp, err := c.oai.Responses.New(ctx, params, extra...)
		if err != nil {
			return nil, err
		}
		return &Response{
			Content: resp.OutputText(),
			Usage: types.Usage{
				PromptTokens:      int(resp.Usage.InputTokens),
				CompletionTokens:  int(resp.Usage.OutputTokens),
				TotalTokens:       int(resp.Usage.TotalTokens),
				ProviderRequestID: resp.ID,
			},
			Protocol: ProtocolResponses,
		}, nil

	case ProtocolChat:
		var messages []oai.ChatCompletionMessageParamUnion
		if req.System != "" {
			messages = append(messages, oai.SystemMessage(req.System))
		}
		messages = append(messages, oai.UserMessage(req.User))

		params := oai.ChatCompletionNewParams{
			Model:    shared.ChatModel(c.cfg.Model),
			Messages: messages,
		}
		if req.JSONObject {
			params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			}
		}
		resp, err := c.oai.Chat.Completions.New(ctx, params, extra...)
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("llm chat completion: empty choices")
		}
		return &Response{
			Content: resp.Choices[0].Message.Content,
			Usage: types.Usage{
				PromptTokens:      int(resp.Usage.PromptTokens),
				CompletionTokens:  int(resp.Usage.CompletionTokens),
				TotalTokens:       int(resp.Usage.TotalTokens),
				ProviderRequestID: resp.ID,
			},
			Protocol: ProtocolChat,
		}, nil

	default:
		return nil, fmt.Errorf("llm: unknown protocol %q", proto)
	}
}

// asCallError converts an SDK error into a CallError, extracting the HTTP
// status when one was observed.
func asCallError(proto Protocol, err error) *CallError {
	if ce := (*CallError)(nil); errors.As(err, &ce) {
		return ce
	}
	status := 0
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		status = apierr.StatusCode
	}
	return &CallError{Protocol: proto, Status: status, Text: err.Error()}
}
