package lmstudio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailprice-go/internal/config"
	"mailprice-go/internal/stats"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testConfig() config.LMStudioConfig {
	return config.LMStudioConfig{
		Host:        "127.0.0.1",
		Port:        1234,
		Model:       SupportedModel,
		Version:     SupportedVersion,
		Timeout:     5,
		MaxTokens:   2000,
		Temperature: 0.7,
	}
}

// newTestClient points a client at the httptest server and zeroes the retry
// delay so exhaustion tests run instantly.
func newTestClient(t *testing.T, srv *httptest.Server) (*Client, *stats.ProcessingStats) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Host = u.Hostname()
	cfg.Port = port

	st := stats.New()
	c, err := NewClient(cfg, st, testLog())
	require.NoError(t, err)
	c.retryDelay = 0
	return c, st
}

// chatHandler wraps model reply content in the chat-completions envelope.
func chatHandler(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.LMStudioConfig)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *config.LMStudioConfig) {},
		},
		{
			name:    "missing host",
			mutate:  func(c *config.LMStudioConfig) { c.Host = "" },
			wantErr: "missing required lm_studio parameters",
		},
		{
			name:    "missing port",
			mutate:  func(c *config.LMStudioConfig) { c.Port = 0 },
			wantErr: "missing required lm_studio parameters",
		},
		{
			name:    "unsupported model",
			mutate:  func(c *config.LMStudioConfig) { c.Model = "llama-3-8b" },
			wantErr: "unsupported model",
		},
		{
			name:    "unsupported version",
			mutate:  func(c *config.LMStudioConfig) { c.Version = "0.2.0" },
			wantErr: "unsupported LM Studio version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			c, err := NewClient(cfg, stats.New(), testLog())
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "http://127.0.0.1:1234/v1/chat/completions", c.url)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Nil(t, c)
		})
	}
}

func TestNewClientClampsOptionalSettings(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 0
	cfg.MaxTokens = 0

	c, err := NewClient(cfg, stats.New(), testLog())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, c.timeout, "zero timeout must not yield an unbounded client")
	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
	assert.Equal(t, 2000, c.maxTokens)
}

func TestAnalyzeSuccess(t *testing.T) {
	content := `Sure, here is the result: {"price_usd": "$1,200", "price_usd_casino": "", "important_info": "DR 70, dofollow", "comments": "PayPal preferred"} Thanks!`
	srv := httptest.NewServer(chatHandler(content))
	defer srv.Close()
	c, st := newTestClient(t, srv)

	res := c.Analyze(context.Background(), "Hello, we offer placements on our site.", "")

	assert.Empty(t, res.Error)
	assert.Equal(t, "1200", res.PriceUSD, "currency symbols and separators stripped")
	assert.Equal(t, "", res.PriceUSDCasino)
	assert.Equal(t, "DR 70, dofollow", res.ImportantInfo)
	assert.Equal(t, "PayPal preferred", res.Comments)
	assert.Equal(t, int64(1), st.LMStudioCalls.Load())
	assert.Equal(t, int64(0), st.TotalErrors())
}

func TestAnalyzeRequestShape(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		chatHandler(`{"price_usd":"10","price_usd_casino":"","important_info":"","comments":""}`)(w, r)
	}))
	defer srv.Close()
	c, _ := newTestClient(t, srv)

	c.Analyze(context.Background(), "some email", "")

	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "some email")
	assert.Equal(t, 2000, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	assert.False(t, got.Stream)
}

func TestAnalyzePreExtractedPricesOverrideModel(t *testing.T) {
	// model disagrees with the literal label block in the email
	content := `{"price_usd": "999", "price_usd_casino": "450", "important_info": "", "comments": ""}`
	srv := httptest.NewServer(chatHandler(content))
	defer srv.Close()
	c, _ := newTestClient(t, srv)

	email := "rates below\nprice\nusd\n80\n\ncasino\nprice\nusd\n500\ncheers"
	res := c.Analyze(context.Background(), email, "")

	assert.Empty(t, res.Error)
	assert.Equal(t, "80", res.PriceUSD)
	assert.Equal(t, "500", res.PriceUSDCasino)
}

func TestAnalyzeNoJSONInResponse(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		chatHandler("I could not find any pricing information, sorry.")(w, r)
	}))
	defer srv.Close()
	c, st := newTestClient(t, srv)

	res := c.Analyze(context.Background(), "some email", "")

	assert.Contains(t, res.Error, "no JSON found")
	assert.Equal(t, Analysis{Error: res.Error}, res, "content fields stay empty on failure")
	assert.Equal(t, int64(1), st.ErrorCount(stats.ErrJSONParse))
	assert.Equal(t, int64(0), st.ErrorCount(stats.ErrAPI))
	assert.Equal(t, int64(1), hits.Load(), "parse failures must not be retried")
}

func TestAnalyzeMalformedJSON(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		chatHandler(`here you go {"price_usd": oops]`)(w, r)
	}))
	defer srv.Close()
	c, st := newTestClient(t, srv)

	res := c.Analyze(context.Background(), "some email", "")

	assert.NotEmpty(t, res.Error)
	assert.Equal(t, int64(1), st.ErrorCount(stats.ErrJSONParse))
	assert.Equal(t, int64(1), hits.Load())
}

func TestAnalyzeHTTPFailureExhaustsRetries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c, st := newTestClient(t, srv)

	res := c.Analyze(context.Background(), "some email", "")

	assert.Contains(t, res.Error, "unexpected status 500")
	assert.Equal(t, int64(3), hits.Load(), "full retry budget spent")
	assert.Equal(t, int64(1), st.ErrorCount(stats.ErrAPI))
	assert.Equal(t, int64(0), st.ErrorCount(stats.ErrJSONParse))
}

func TestAnalyzeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c, st := newTestClient(t, srv)
	srv.Close() // nothing listening anymore

	res := c.Analyze(context.Background(), "some email", "")

	assert.NotEmpty(t, res.Error)
	assert.Equal(t, int64(1), st.ErrorCount(stats.ErrAPI))
}

func TestAnalyzeEmptyChoices(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"choices": []}`)
	}))
	defer srv.Close()
	c, st := newTestClient(t, srv)

	res := c.Analyze(context.Background(), "some email", "")

	assert.Contains(t, res.Error, "empty response from API")
	assert.Equal(t, int64(3), hits.Load(), "empty responses are treated as transient")
	assert.Equal(t, int64(1), st.ErrorCount(stats.ErrAPI))
}

func TestAnalyzeDefaultsMissingFields(t *testing.T) {
	srv := httptest.NewServer(chatHandler(`{"price_usd": "100"}`))
	defer srv.Close()
	c, _ := newTestClient(t, srv)

	res := c.Analyze(context.Background(), "some email", "")

	assert.Empty(t, res.Error)
	assert.Equal(t, "100", res.PriceUSD)
	assert.Equal(t, "", res.PriceUSDCasino)
	assert.Equal(t, "", res.ImportantInfo)
	assert.Equal(t, "", res.Comments)

	// the serialized result always carries all four content keys
	data, err := json.Marshal(res)
	require.NoError(t, err)
	var keys map[string]any
	require.NoError(t, json.Unmarshal(data, &keys))
	for _, k := range []string{"price_usd", "price_usd_casino", "important_info", "comments"} {
		assert.Contains(t, keys, k)
	}
	assert.NotContains(t, keys, "error")
}

func TestAnalyzeCoercesNumericValues(t *testing.T) {
	srv := httptest.NewServer(chatHandler(`{"price_usd": 250, "price_usd_casino": null, "important_info": "", "comments": ""}`))
	defer srv.Close()
	c, _ := newTestClient(t, srv)

	res := c.Analyze(context.Background(), "some email", "")

	assert.Empty(t, res.Error)
	assert.Equal(t, "250", res.PriceUSD)
	assert.Equal(t, "", res.PriceUSDCasino)
}

func TestAnalyzeIdempotent(t *testing.T) {
	srv := httptest.NewServer(chatHandler(`{"price_usd":"120","price_usd_casino":"300","important_info":"DR 55","comments":"wire transfer"}`))
	defer srv.Close()
	c, st := newTestClient(t, srv)

	email := "Hello, prices attached."
	first := c.Analyze(context.Background(), email, "")
	second := c.Analyze(context.Background(), email, "")

	assert.Empty(t, first.Error)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(2), st.LMStudioCalls.Load())
}

func TestClientString(t *testing.T) {
	c, err := NewClient(testConfig(), stats.New(), testLog())
	require.NoError(t, err)
	s := c.String()
	assert.Contains(t, s, "http://127.0.0.1:1234/v1/chat/completions")
	assert.Contains(t, s, SupportedModel)
	assert.Contains(t, s, SupportedVersion)
}
