// Package provider holds HTTP clients for the external services the relay
// talks to: the messaging gateway, the reply generator, and the retrieval
// service. All three are thin resty wrappers; timeouts and retry policy
// belong to the callers.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldline/leadrelay/internal/autoreply"
	"github.com/fieldline/leadrelay/internal/outbound"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultSendRate = 10 // sends per second against the gateway
)

// GatewayOpts holds parameters for creating a Gateway.
type GatewayOpts struct {
	BaseURL string
	Token   string
	Name    string        // provider label on ledger rows, e.g. "whatsapp"
	Timeout time.Duration // per-request; default 15s
	Rate    float64       // sends per second; default 10
	Log     zerolog.Logger
}

// Gateway sends messages through the messaging gateway's HTTP API. It
// implements outbound.Provider.
type Gateway struct {
	client  *resty.Client
	limiter *rate.Limiter
	name    string
	log     zerolog.Logger
}

// NewGateway creates a Gateway. BaseURL and Token are required; a relay
// deployed without them runs with no provider at all, and the outbound
// ledger refuses sends up front.
func NewGateway(opts GatewayOpts) (*Gateway, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("provider: gateway: base url is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("provider: gateway: token is required")
	}
	if opts.Name == "" {
		opts.Name = "gateway"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Rate <= 0 {
		opts.Rate = defaultSendRate
	}
	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetAuthToken(opts.Token).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")
	return &Gateway{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), 1),
		name:    opts.Name,
		log:     opts.Log,
	}, nil
}

// Name implements outbound.Provider.
func (g *Gateway) Name() string { return g.name }

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send implements outbound.Provider. Rate limiting happens before the
// request; a canceled context while waiting surfaces as a retryable error
// since nothing went over the wire.
func (g *Gateway) Send(ctx context.Context, destination, text string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", &outbound.ProviderError{Op: "send", Retryable: true, Err: err}
	}

	var out sendResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(sendRequest{To: destination, Text: text}).
		SetResult(&out).
		SetError(&out).
		Post("/messages")
	if err != nil {
		return "", &outbound.ProviderError{Op: "send", Retryable: true, Err: err}
	}
	if resp.IsError() {
		retryable := resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		detail := out.Error
		if detail == "" {
			detail = resp.Status()
		}
		return "", &outbound.ProviderError{
			Op:        "send",
			Retryable: retryable,
			Err:       fmt.Errorf("gateway returned %d: %s", resp.StatusCode(), detail),
		}
	}
	if out.MessageID == "" {
		return "", &outbound.ProviderError{
			Op:        "send",
			Retryable: false,
			Err:       fmt.Errorf("gateway accepted send but returned no message id"),
		}
	}
	g.log.Debug().Str("destination", destination).Str("message_id", out.MessageID).
		Msg("message delivered to gateway")
	return out.MessageID, nil
}

// GeneratorClient calls the reply-generation service. It implements
// autoreply.Generator; the engine treats it as optional and falls back to
// canned replies when it is absent or failing.
type GeneratorClient struct {
	client *resty.Client
}

// NewGeneratorClient creates a GeneratorClient.
func NewGeneratorClient(baseURL, token string, timeout time.Duration) (*GeneratorClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("provider: generator: base url is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &GeneratorClient{client: client}, nil
}

type generateRequest struct {
	ConversationID uint   `json:"conversation_id"`
	ContactID      string `json:"contact_id"`
	Channel        string `json:"channel"`
	Text           string `json:"text"`
	Grounding      string `json:"grounding,omitempty"`
	FirstContact   bool   `json:"first_contact"`
}

type generateResponse struct {
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

// Generate implements autoreply.Generator.
func (c *GeneratorClient) Generate(ctx context.Context, req autoreply.GenerateRequest) (string, error) {
	var out generateResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(generateRequest{
			ConversationID: req.ConversationID,
			ContactID:      req.ContactID,
			Channel:        req.Channel,
			Text:           req.InboundText,
			Grounding:      req.Grounding,
			FirstContact:   req.FirstContact,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/generate")
	if err != nil {
		return "", fmt.Errorf("provider: generate: %w", err)
	}
	if resp.IsError() {
		detail := out.Error
		if detail == "" {
			detail = resp.Status()
		}
		return "", fmt.Errorf("provider: generate: service returned %d: %s", resp.StatusCode(), detail)
	}
	return out.Reply, nil
}

// RetrievalClient queries the knowledge-retrieval service. It implements
// autoreply.RetrievalGuard.
type RetrievalClient struct {
	client *resty.Client
}

// NewRetrievalClient creates a RetrievalClient.
func NewRetrievalClient(baseURL, token string, timeout time.Duration) (*RetrievalClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("provider: retrieval: base url is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &RetrievalClient{client: client}, nil
}

type retrievalResponse struct {
	Found   bool    `json:"found"`
	Score   float64 `json:"score"`
	Context string  `json:"context"`
	Error   string  `json:"error,omitempty"`
}

// Query implements autoreply.RetrievalGuard.
func (c *RetrievalClient) Query(ctx context.Context, text string) (*autoreply.RetrievalResult, error) {
	var out retrievalResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"query": text}).
		SetResult(&out).
		SetError(&out).
		Post("/query")
	if err != nil {
		return nil, fmt.Errorf("provider: retrieval: %w", err)
	}
	if resp.IsError() {
		detail := out.Error
		if detail == "" {
			detail = resp.Status()
		}
		return nil, fmt.Errorf("provider: retrieval: service returned %d: %s", resp.StatusCode(), detail)
	}
	return &autoreply.RetrievalResult{Found: out.Found, Score: out.Score, Context: out.Context}, nil
}
