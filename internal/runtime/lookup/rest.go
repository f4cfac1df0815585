package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mraysmit/apex/internal/expr"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
)

// TransportError reports a lookup whose transport failed: connection errors,
// timeouts, I/O failures, or an HTTP response that came back unusable. Status
// is zero when no response was received.
type TransportError struct {
	Service string
	Status  int
	Detail  string
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("lookup: %s: %s", e.Service, e.Detail)
	}
	return fmt.Sprintf("lookup: %s: status %d: %s", e.Service, e.Status, e.Detail)
}

// RESTService fetches one lookup result per key from an HTTP endpoint. The
// endpoint template's {key} placeholder receives the escaped key. Requests
// pass through a rate limiter shared across lookups on the same service.
type RESTService struct {
	name     string
	client   *http.Client
	baseURL  string
	endpoint string
	headers  map[string]string
	limiter  *rate.Limiter
}

// RESTOptions configures a RESTService.
type RESTOptions struct {
	BaseURL  string
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
	// RateLimit is requests per second; zero means unlimited.
	RateLimit float64
	RateBurst int
}

// NewRESTService builds a REST lookup service.
func NewRESTService(name string, opts RESTOptions) *RESTService {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &RESTService{
		name:     name,
		client:   &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		endpoint: opts.Endpoint,
		headers:  opts.Headers,
		limiter:  limiter,
	}
}

// Name returns the service name.
func (s *RESTService) Name() string { return s.name }

// Transform issues one GET per key. A 404 is a miss; other non-2xx statuses
// are transport errors.
func (s *RESTService) Transform(ctx context.Context, key any, _ pipeline.Record) (any, error) {
	if key == nil {
		return nil, nil
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("lookup: %s rate limit: %w", s.name, err)
		}
	}

	path := strings.ReplaceAll(s.endpoint, "{key}", url.PathEscape(expr.FormatValue(key)))
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("lookup: %s request: %w", s.name, err)
	}
	req.Header.Set("Accept", "application/json")
	for name, value := range s.headers {
		req.Header.Set(name, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransportError{Service: s.name, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Service: s.name, Status: resp.StatusCode, Detail: "read body: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := strings.TrimSpace(string(body))
		if len(detail) > 200 {
			detail = detail[:200]
		}
		return nil, &TransportError{Service: s.name, Status: resp.StatusCode, Detail: detail}
	}

	var result any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &TransportError{Service: s.name, Status: resp.StatusCode, Detail: "invalid json body"}
	}
	return result, nil
}
