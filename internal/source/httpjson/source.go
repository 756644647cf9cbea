// Package httpjson fetches pages of channel history from a JSON HTTP API.
package httpjson

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

const maxBodyBytes = 32 << 20

// Config describes the upstream API.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
	Fields  retrieval.Fields
}

// Limiter throttles outbound requests.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Source implements retrieval.PageSource.
type Source struct {
	cfg     Config
	base    *url.URL
	client  *http.Client
	limiter Limiter
	logger  *zap.Logger
}

// New constructs a Source. client and limiter may be nil.
func New(cfg Config, client *http.Client, limiter Limiter, logger *zap.Logger) (*Source, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("source.base_url must be an absolute URL")
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if cfg.Fields.ID == "" {
		cfg.Fields = retrieval.DefaultFields()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{cfg: cfg, base: base, client: client, limiter: limiter, logger: logger}, nil
}

// FetchPage requests up to req.Limit items older than req.Before.
func (s *Source) FetchPage(ctx context.Context, req retrieval.PageRequest) ([]retrieval.Item, error) {
	endpoint := s.endpoint(req)
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, endpoint); err != nil {
			return nil, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retrieval.Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	if s.cfg.Token != "" {
		httpReq.Header.Set("Authorization", s.cfg.Token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", req.JobID, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp, body)
	}

	items, err := retrieval.ParseItems(body, s.cfg.Fields)
	if err != nil {
		return nil, retrieval.Permanent(fmt.Errorf("parse page: %w", err))
	}
	s.logger.Debug("page fetched",
		zap.String("job_id", req.JobID),
		zap.String("before", req.Before),
		zap.Int("items", len(items)),
	)
	return items, nil
}

func (s *Source) endpoint(req retrieval.PageRequest) string {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + "/channels/" + req.JobID + "/messages"
	q := url.Values{}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Before != "" {
		q.Set("before", req.Before)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func classify(resp *http.Response, body []byte) error {
	statusErr := &StatusError{Code: resp.StatusCode, Body: snippet(body)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &retrieval.RetryAfterError{Err: statusErr, After: retryAfter(resp.Header, body)}
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return retrieval.Permanent(statusErr)
	case resp.StatusCode >= 500:
		return statusErr
	case resp.StatusCode >= 400:
		return retrieval.Permanent(statusErr)
	default:
		return statusErr
	}
}

// retryAfter reads the delay from the Retry-After header, falling back to a
// retry_after body field. Both are in seconds and may be fractional.
func retryAfter(h http.Header, body []byte) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	if res := gjson.GetBytes(body, "retry_after"); res.Exists() && res.Float() > 0 {
		return time.Duration(res.Float() * float64(time.Second))
	}
	return 0
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

// IsStatus reports whether err carries an HTTP status equal to code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
