package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/models"
	"golang.org/x/time/rate"
)

// API is the remote export protocol as seen from the importing instance.
type API interface {
	Version(ctx context.Context) (string, error)
	LookupSourceID(ctx context.Context, typ models.SourceType, fullPath string) (int64, error)
	RequestExports(ctx context.Context, target Target, batched bool) error
	ExportStatus(ctx context.Context, target Target) ([]RelationStatus, error)
	Download(ctx context.Context, target Target, relation string, batchNumber int) ([]byte, error)
	ListDescendants(ctx context.Context, target Target) ([]Descendant, error)
}

// Provider hands out an API for a given source instance URL.
type Provider interface {
	For(sourceURL string) API
}

type Options struct {
	AccessToken       string
	RequestsPerSecond float64
	MaxRetries        uint64
	Timeout           time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d from %s", e.Code, e.URL)
}

func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	maxRetries uint64
	logger     zerolog.Logger
}

func NewClient(baseURL string, opts Options, logger zerolog.Logger) *Client {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      opts.AccessToken,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		maxRetries: opts.MaxRetries,
		logger:     logger.With().Str("component", "source-client").Str("source_url", baseURL).Logger(),
	}
}

type versionResponse struct {
	Version string `json:"version"`
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var res versionResponse
	if err := c.getJSON(ctx, "/api/v4/version", nil, &res); err != nil {
		return "", err
	}
	return res.Version, nil
}

type lookupResponse struct {
	ID       int64  `json:"id"`
	FullPath string `json:"full_path"`
}

func (c *Client) LookupSourceID(ctx context.Context, typ models.SourceType, fullPath string) (int64, error) {
	var res lookupResponse
	path := "/api/v4/" + typ.Resource() + "/" + url.PathEscape(fullPath)
	if err := c.getJSON(ctx, path, nil, &res); err != nil {
		return 0, err
	}
	if res.ID == 0 {
		return 0, errors.Errorf("lookup of %s returned no id", fullPath)
	}
	return res.ID, nil
}

func (c *Client) RequestExports(ctx context.Context, target Target, batched bool) error {
	q := url.Values{"batched": {strconv.FormatBool(batched)}}
	_, err := c.do(ctx, http.MethodPost, target.Path()+"/export_relations", q)
	return err
}

func (c *Client) ExportStatus(ctx context.Context, target Target) ([]RelationStatus, error) {
	var res []RelationStatus
	if err := c.getJSON(ctx, target.Path()+"/export_relations/status", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Download fetches a relation's NDJSON payload; batchNumber 0 means the whole relation.
func (c *Client) Download(ctx context.Context, target Target, relation string, batchNumber int) ([]byte, error) {
	q := url.Values{"relation": {relation}}
	if batchNumber > 0 {
		q.Set("batch_number", strconv.Itoa(batchNumber))
	}
	return c.do(ctx, http.MethodGet, target.Path()+"/export_relations/download", q)
}

func (c *Client) ListDescendants(ctx context.Context, target Target) ([]Descendant, error) {
	var res []Descendant
	if err := c.getJSON(ctx, target.Path()+"/descendants", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, target interface{}) error {
	body, err := c.do(ctx, http.MethodGet, path, q)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, target); err != nil {
		return errors.Wrapf(err, "failed to decode response from %s", path)
	}
	return nil
}

// do performs one rate-limited request, retrying 429 and 5xx responses with exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body []byte
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.token != "" {
			req.Header.Set("PRIVATE-TOKEN", c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := &StatusError{Code: resp.StatusCode, URL: u}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		body = data
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Dur("retry_in", wait).Msg("Source request failed, retrying")
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	return bytes.TrimSpace(body), nil
}

func newBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Minute
	return bo
}

// ClientProvider caches one Client per source URL.
type ClientProvider struct {
	opts    Options
	logger  zerolog.Logger
	mu      sync.Mutex
	clients map[string]*Client
}

func NewClientProvider(opts Options, logger zerolog.Logger) *ClientProvider {
	return &ClientProvider{opts: opts, logger: logger, clients: make(map[string]*Client)}
}

func (p *ClientProvider) For(sourceURL string) API {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[sourceURL]; ok {
		return c
	}
	c := NewClient(sourceURL, p.opts, p.logger)
	p.clients[sourceURL] = c
	return c
}
