// Package ollama is a client for Ollama's text generation API. A Generator
// holds an ordered list of server addresses and fails over from one to the
// next when an address is unreachable or answers with a server error.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/WessleyAI/pageqa/engine/domain"
	"github.com/WessleyAI/pageqa/pkg/metrics"
	"github.com/WessleyAI/pageqa/pkg/resilience"
)

// DefaultAddresses are tried in order when none are configured.
var DefaultAddresses = []string{
	"http://localhost:11434",
	"http://127.0.0.1:11434",
	"http://host.docker.internal:11434",
}

// Config configures a Generator.
type Config struct {
	Addresses []string
	Model     string
	Timeout   time.Duration
	Breaker   resilience.BreakerOpts
	// HTTPClient replaces the default instrumented client.
	HTTPClient *http.Client
}

// Options are sampling parameters for one request.
type Options struct {
	Temperature   float64
	MaxTokens     int
	ContextWindow int
}

// Request is one generation call.
type Request struct {
	Prompt  string
	System  string
	Options Options
}

// Response is a completed generation.
type Response struct {
	Text             string
	Model            string
	Address          string
	PromptTokens     int
	CompletionTokens int
}

// StatusError is a non-2xx answer from an address.
type StatusError struct {
	Address string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama: %s: status %d: %s", e.Address, e.Code, e.Body)
}

// retryable reports whether the next address should be tried after err.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}

type endpoint struct {
	addr    string
	breaker *resilience.Breaker
}

// Generator calls /api/generate with failover across addresses.
type Generator struct {
	endpoints []endpoint
	model     string
	http      *http.Client
	logger    *slog.Logger
	failovers *metrics.Counter
	latency   *metrics.Histogram
}

// New creates a Generator. reg may be nil.
func New(cfg Config, reg *metrics.Registry, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	if len(cfg.Addresses) == 0 {
		cfg.Addresses = DefaultAddresses
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	g := &Generator{
		model:     cfg.Model,
		http:      hc,
		logger:    logger,
		failovers: reg.Counter("pageqa_generate_failovers_total", "Generation attempts moved to the next address."),
		latency:   reg.Histogram("pageqa_generate_duration_seconds", "Successful generation latency.", nil),
	}
	for _, addr := range cfg.Addresses {
		addr = strings.TrimRight(strings.TrimSpace(addr), "/")
		if addr == "" {
			continue
		}
		opts := cfg.Breaker
		opts.IsFailure = retryable
		opts.OnStateChange = func(from, to resilience.State) {
			level := slog.LevelInfo
			if to == resilience.StateOpen {
				level = slog.LevelWarn
			}
			logger.Log(context.Background(), level, "generation breaker", "addr", addr, "from", from, "to", to)
		}
		g.endpoints = append(g.endpoints, endpoint{addr: addr, breaker: resilience.NewBreaker(opts)})
	}
	return g
}

// Addresses returns the configured addresses in failover order.
func (g *Generator) Addresses() []string {
	out := make([]string, len(g.endpoints))
	for i, e := range g.endpoints {
		out[i] = e.addr
	}
	return out
}

// Generate tries each address in order. A client error (4xx) is returned
// at once; when every address fails the joined causes wrap
// domain.ErrGenerationUnavailable.
func (g *Generator) Generate(ctx context.Context, req Request) (Response, error) {
	var errs []error
	for i, ep := range g.endpoints {
		if err := ctx.Err(); err != nil {
			return Response{}, fmt.Errorf("ollama: generate: %w", err)
		}
		start := time.Now()
		var resp Response
		err := ep.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			resp, err = g.generate(ctx, ep.addr, req)
			return err
		})
		if err == nil {
			g.latency.Since(start)
			return resp, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return Response{}, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", ep.addr, err))
		if i < len(g.endpoints)-1 {
			g.failovers.Inc()
			g.logger.Warn("generation address failed, trying next", "addr", ep.addr, "err", err)
		}
	}
	return Response{}, fmt.Errorf("ollama: generate: %w", errors.Join(append([]error{domain.ErrGenerationUnavailable}, errs...)...))
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (g *Generator) generate(ctx context.Context, addr string, req Request) (Response, error) {
	body, err := json.Marshal(generateRequest{
		Model:  g.model,
		Prompt: req.Prompt,
		System: req.System,
		Options: generateOptions{
			Temperature: req.Options.Temperature,
			NumPredict:  req.Options.MaxTokens,
			NumCtx:      req.Options.ContextWindow,
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("ollama: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("ollama: %s: %w", addr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("ollama: %s: read body: %w", addr, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, &StatusError{Address: addr, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, fmt.Errorf("ollama: %s: decode: %w", addr, err)
	}
	if out.Error != "" {
		return Response{}, &StatusError{Address: addr, Code: http.StatusBadGateway, Body: out.Error}
	}
	return Response{
		Text:             strings.TrimSpace(out.Response),
		Model:            out.Model,
		Address:          addr,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	}, nil
}
