// Package llm implements the provider-neutral LLM adapter.
//
// Requests carry the neutral message shape from internal/domain; the
// adapter translates to the provider schema selected by model-name prefix
// and normalizes the response back to the neutral shape immediately after
// parsing. Safe for concurrent use across Agents.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/apex-agent-runtime/internal/adapter/observability"
	"github.com/fairyhunter13/apex-agent-runtime/internal/config"
	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
)

const (
	providerOpenAI    = "openai"
	providerAnthropic = "anthropic"
)

// Adapter dispatches completion requests by model family.
type Adapter struct {
	cfg     config.Config
	hc      *http.Client
	counter *tokenCounter
}

// New constructs the adapter with provider timeouts from config.
func New(cfg config.Config) *Adapter {
	return &Adapter{
		cfg:     cfg,
		hc:      &http.Client{Timeout: cfg.LLMTimeout},
		counter: newTokenCounter(),
	}
}

// providerFor selects the provider by model-name prefix. Everything that is
// not a Claude model goes through the OpenAI-compatible path.
func providerFor(model string) string {
	if len(model) >= 6 && model[:6] == "claude" {
		return providerAnthropic
	}
	return providerOpenAI
}

// httpStatusError carries a provider HTTP status through the retry
// classifier.
type httpStatusError struct {
	status     int
	body       string
	retryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.status, e.body)
}

// Complete issues one completion request with retry on transient provider
// errors. Misconfiguration (missing key, unknown provider) is not retried.
func (a *Adapter) Complete(ctx context.Context, req *domain.LLMRequest) (*domain.LLMResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("op=llm.Complete: empty request: %w", domain.ErrInvalidArgument)
	}
	model := req.Model
	if model == "" {
		model = a.cfg.DefaultModel
	}
	provider := providerFor(model)

	var resp *domain.LLMResponse
	op := func() error {
		var err error
		switch provider {
		case providerAnthropic:
			resp, err = a.completeAnthropic(ctx, model, req)
		default:
			resp, err = a.completeOpenAI(ctx, model, req)
		}
		if err == nil {
			return nil
		}
		return a.classify(ctx, err)
	}

	initial, maxInt := a.cfg.GetLLMBackoffConfig()
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initial
	expo.MaxInterval = maxInt
	b := backoff.WithMaxRetries(backoff.WithContext(expo, ctx), uint64(a.cfg.LLMMaxRetries))

	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("op=llm.Complete: model=%s: %w", model, err)
	}

	// Providers occasionally omit usage; estimate so cost accounting never
	// silently reads zero.
	if resp.Usage.TotalTokens == 0 {
		resp.Usage = a.counter.estimateUsage(model, req.Messages, resp.Content)
	}
	resp.Model = model
	resp.Cost = Cost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	observability.LLMRequestsTotal.WithLabelValues(provider, model).Inc()
	observability.LLMCostDollars.Add(resp.Cost)
	observability.LLMTokensTotal.WithLabelValues("prompt").Add(float64(resp.Usage.PromptTokens))
	observability.LLMTokensTotal.WithLabelValues("completion").Add(float64(resp.Usage.CompletionTokens))

	return resp, nil
}

// classify maps provider errors onto retry semantics: 429 and 5xx and
// timeouts retry, other 4xx and invalid-argument errors do not.
func (a *Adapter) classify(ctx context.Context, err error) error {
	if errors.Is(err, domain.ErrInvalidArgument) {
		return backoff.Permanent(err)
	}
	var se *httpStatusError
	if errors.As(err, &se) {
		switch {
		case se.status == http.StatusTooManyRequests:
			if se.retryAfter > 0 {
				slog.Debug("rate limited, honoring Retry-After",
					slog.Duration("retry_after", se.retryAfter))
				select {
				case <-time.After(se.retryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return fmt.Errorf("%w: %s", domain.ErrUpstreamRateLimit, se.Error())
		case se.status >= 500:
			return fmt.Errorf("%w: %s", domain.ErrProvider, se.Error())
		default:
			return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrProvider, se.Error()))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	// Network-level failures are transient.
	return err
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
