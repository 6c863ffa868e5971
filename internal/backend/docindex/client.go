// Package docindex is the HTTP client for the document-index (Solr JSON
// request API) backend.
package docindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/domain"
)

const backendName = "docindex"

type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	RetryMax int
}

// Client posts JSON queries to <BaseURL>/<collection>/query, retrying
// connection errors and 5xx responses.
type Client struct {
	http *retryablehttp.Client
	cfg  Config
}

func New(cfg Config) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	rc.Logger = leveledLogger{}
	return &Client{http: rc, cfg: cfg}
}

type queryResponse struct {
	Response struct {
		NumFound int64            `json:"numFound"`
		Docs     []map[string]any `json:"docs"`
	} `json:"response"`
	Facets map[string]any `json:"facets"`
	Error  *struct {
		Msg  string `json:"msg"`
		Code int    `json:"code"`
	} `json:"error"`
}

// Payload builds the JSON request body for q.
func Payload(q backend.DocQuery) map[string]any {
	query := q.Query
	if query == "" {
		query = "*:*"
	}
	limit := q.Limit
	if q.CountsOnly {
		limit = 0
	}
	filters := append([]string(nil), q.Filters...)
	if q.Collapse != "" {
		filters = append(filters, fmt.Sprintf("{!collapse field=%s}", q.Collapse))
	}
	payload := map[string]any{
		"query":  query,
		"limit":  limit,
		"offset": q.Offset,
	}
	if len(filters) > 0 {
		payload["filter"] = filters
	}
	if len(q.Facets) > 0 {
		payload["facet"] = q.Facets
	}
	if len(q.Fields) > 0 {
		payload["fields"] = q.Fields
	}
	if q.Sort != "" {
		payload["sort"] = q.Sort
	}
	return payload
}

func (c *Client) Query(ctx context.Context, q backend.DocQuery) (result backend.DocResult, err error) {
	start := time.Now()
	defer func() { backend.Observe(backendName, "query", start, err) }()

	body, err := json.Marshal(Payload(q))
	if err != nil {
		return backend.DocResult{}, fmt.Errorf("encode query: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + q.Collection + "/query"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backend.DocResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	zerolog.Ctx(ctx).Debug().Str("collection", q.Collection).RawJSON("payload", body).Msg("querying document index")

	resp, err := c.http.Do(req)
	if err != nil {
		return backend.DocResult{}, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return backend.DocResult{}, fmt.Errorf("read response from %s: %w", q.Collection, err)
	}
	var decoded queryResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return backend.DocResult{}, fmt.Errorf("decode response from %s (status %d): %w", q.Collection, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || decoded.Error != nil {
		msg := http.StatusText(resp.StatusCode)
		if decoded.Error != nil {
			msg = decoded.Error.Msg
		}
		return backend.DocResult{}, fmt.Errorf("query %s failed with status %d: %s", q.Collection, resp.StatusCode, msg)
	}

	result = backend.DocResult{
		NumFound: decoded.Response.NumFound,
		Facets:   decoded.Facets,
		Docs:     make([]domain.Record, len(decoded.Response.Docs)),
	}
	for i, doc := range decoded.Response.Docs {
		result.Docs[i] = domain.Record(doc)
	}
	return result, nil
}

// leveledLogger routes retryablehttp logging through the global zerolog logger.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { log.Error().Fields(kv).Msg(msg) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { log.Warn().Fields(kv).Msg(msg) }
func (leveledLogger) Info(msg string, kv ...interface{})  { log.Debug().Fields(kv).Msg(msg) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { log.Trace().Fields(kv).Msg(msg) }
