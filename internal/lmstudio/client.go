package lmstudio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mailprice-go/internal/config"
	"mailprice-go/internal/retry"
	"mailprice-go/internal/stats"
)

// The only model/server combination this client has been validated against.
// Anything else fails construction rather than producing silently skewed
// extractions.
const (
	SupportedModel   = "qwen3-8b"
	SupportedVersion = "0.3.16"
)

// Fallbacks for optional settings, matching the config-load defaults, so a
// hand-built config can never yield an unbounded HTTP client or a zero
// completion budget.
const (
	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 2000
)

// Analysis is the per-email result. All four content fields are always
// present (empty when the model omitted them); Error is set instead of ever
// returning an error from Analyze, so a batch run survives bad responses.
type Analysis struct {
	PriceUSD       string `json:"price_usd"`
	PriceUSDCasino string `json:"price_usd_casino"`
	ImportantInfo  string `json:"important_info"`
	Comments       string `json:"comments"`
	Error          string `json:"error,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// apiError covers transport failures, non-2xx statuses and empty API
// responses; these are the transient kind the retry budget exists for.
type apiError struct{ err error }

func (e *apiError) Error() string { return "api request failed: " + e.err.Error() }
func (e *apiError) Unwrap() error { return e.err }

// jsonParseError covers response-shape failures; deterministic, never retried.
type jsonParseError struct{ err error }

func (e *jsonParseError) Error() string { return "failed to parse response JSON: " + e.err.Error() }
func (e *jsonParseError) Unwrap() error { return e.err }

// Client talks to a local LM Studio chat-completions endpoint. One outbound
// request at a time; connections are request-scoped, not pooled.
type Client struct {
	url         string
	timeout     time.Duration
	maxTokens   int
	temperature float64

	attempts   int
	retryDelay time.Duration

	httpClient *http.Client
	stats      *stats.ProcessingStats
	log        *logrus.Entry
}

// NewClient validates the lm_studio config section and builds the client.
// Missing required keys or an unsupported model/version combination fail
// here, before any mail is touched.
func NewClient(cfg config.LMStudioConfig, st *stats.ProcessingStats, log *logrus.Entry) (*Client, error) {
	if cfg.Host == "" || cfg.Port == 0 || cfg.Model == "" || cfg.Version == "" {
		return nil, fmt.Errorf("missing required lm_studio parameters (host, port, model, version)")
	}
	if cfg.Version != SupportedVersion {
		return nil, fmt.Errorf("unsupported LM Studio version %q, required: %s", cfg.Version, SupportedVersion)
	}
	if cfg.Model != SupportedModel {
		return nil, fmt.Errorf("unsupported model %q, required: %s", cfg.Model, SupportedModel)
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	c := &Client{
		url:         fmt.Sprintf("http://%s:%d/v1/chat/completions", cfg.Host, cfg.Port),
		timeout:     timeout,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		attempts:    retry.DefaultAttempts,
		retryDelay:  retry.DefaultDelay,
		httpClient: &http.Client{
			Timeout: timeout,
			// one connection per call, closed when the call ends
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		stats: st,
		log:   log.WithField("component", "lm_studio"),
	}
	return c, nil
}

// Analyze extracts pricing and negotiation metadata from one email. It
// never returns an error: on any failure the result carries a populated
// Error field and empty content fields, and the matching stats counter is
// bumped, so callers can process a whole mailbox without guarding each call.
func (c *Client) Analyze(ctx context.Context, emailText, threadContext string) Analysis {
	c.stats.LMStudioCalls.Add(1)

	// cheap regex pre-pass; when the rigid label format is present these
	// values override whatever the model extracts
	preUSD, preCasino := ExtractPrices(emailText)
	if preUSD != "" || preCasino != "" {
		c.log.WithFields(logrus.Fields{
			"price_usd":        preUSD,
			"price_usd_casino": preCasino,
		}).Debug("prices pre-extracted from text")
	}
	if threadContext != "" {
		c.log.WithField("context_len", len(threadContext)).Debug("thread context supplied")
	}

	prompt := BuildPrompt(emailText)

	var result Analysis
	op := func() error {
		parsed, err := c.makeAPIRequest(ctx, prompt)
		if err != nil {
			var jsonErr *jsonParseError
			if errors.As(err, &jsonErr) {
				// deterministic failure, retrying cannot help
				return retry.Permanent(err)
			}
			c.log.WithError(err).Warn("api request failed")
			return err
		}
		result = parsed
		return nil
	}

	if err := retry.Do(ctx, c.attempts, c.retryDelay, op); err != nil {
		c.log.WithError(err).Error("email analysis failed")
		c.stats.IncError(classify(err))
		return Analysis{Error: err.Error()}
	}

	if preUSD != "" {
		result.PriceUSD = preUSD
	}
	if preCasino != "" {
		result.PriceUSDCasino = preCasino
	}
	return result
}

func classify(err error) string {
	var jsonErr *jsonParseError
	if errors.As(err, &jsonErr) {
		return stats.ErrJSONParse
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return stats.ErrAPI
	}
	return stats.ErrAnalysis
}

// makeAPIRequest performs one chat-completions round trip and parses the
// model reply into an Analysis.
func (c *Client) makeAPIRequest(ctx context.Context, prompt string) (Analysis, error) {
	payload := chatRequest{
		Messages:    []message{{Role: "user", Content: prompt}},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      false,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Analysis{}, &apiError{err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return Analysis{}, &apiError{err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Analysis{}, &apiError{err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Analysis{}, &apiError{err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Analysis{}, &apiError{fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Analysis{}, &apiError{fmt.Errorf("decode response body: %w", err)}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return Analysis{}, &apiError{errors.New("empty response from API")}
	}

	return parseContent(parsed.Choices[0].Message.Content)
}

var nonDigitRe = regexp.MustCompile(`\D`)

// parseContent isolates and decodes the JSON object the model was told to
// return. Models wrap JSON in commentary despite instructions, so the
// candidate payload is everything from the first '{' to the last '}'.
func parseContent(content string) (Analysis, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return Analysis{}, &jsonParseError{errors.New("no JSON found in response")}
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return Analysis{}, &jsonParseError{err}
	}

	// prices become digit-only strings; "$1,200" -> "1200"
	return Analysis{
		PriceUSD:       nonDigitRe.ReplaceAllString(fieldString(raw, "price_usd"), ""),
		PriceUSDCasino: nonDigitRe.ReplaceAllString(fieldString(raw, "price_usd_casino"), ""),
		ImportantInfo:  fieldString(raw, "important_info"),
		Comments:       fieldString(raw, "comments"),
	}, nil
}

// fieldString coerces a decoded JSON value to string; missing keys and
// non-scalar values default to empty.
func fieldString(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func (c *Client) String() string {
	return fmt.Sprintf("lmstudio.Client(url=%s, model=%s, version=%s, timeout=%s, max_tokens=%d, temperature=%g)",
		c.url, SupportedModel, SupportedVersion, c.timeout, c.maxTokens, c.temperature)
}
