package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/seantiz/anvil/internal/actions"
)

// DefaultHTTPTimeout bounds a single http.* call when none is configured.
const DefaultHTTPTimeout = 10 * time.Second

// ErrHostNotAllowed is returned for requests to hosts outside the allowlist.
var ErrHostNotAllowed = errors.New("host not allowed")

type httpCaller struct {
	allow  []string
	client *resty.Client
}

func newHTTPCaller(allow []string, timeout time.Duration) *httpCaller {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}

	hc := &httpCaller{allow: normalizeHosts(allow)}
	hc.client = resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "anvil-script/1.0").
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return hc.check(req.URL)
		}))
	return hc
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// check reports whether u may be requested.
func (hc *httpCaller) check(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	for _, a := range hc.allow {
		if host == a {
			return nil
		}
		if strings.HasPrefix(a, ".") && (strings.HasSuffix(host, a) || host == a[1:]) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
}

func (hc *httpCaller) handler(verb string) func(context.Context, actions.HTTPRequest) (actions.HTTPResponse, error) {
	return func(ctx context.Context, req actions.HTTPRequest) (actions.HTTPResponse, error) {
		u, err := url.Parse(req.URL)
		if err != nil || req.URL == "" {
			return actions.HTTPResponse{}, fmt.Errorf("invalid url %q", req.URL)
		}
		if err := hc.check(u); err != nil {
			return actions.HTTPResponse{}, err
		}

		r := hc.client.R().
			SetContext(ctx).
			SetHeaders(req.Headers).
			SetQueryParams(req.Query)
		if len(req.Body) > 0 {
			r.SetHeader("Content-Type", "application/json").SetBody([]byte(req.Body))
		}

		resp, err := r.Execute(verb, u.String())
		if err != nil {
			return actions.HTTPResponse{}, fmt.Errorf("%s %s: %w", verb, u.Redacted(), err)
		}

		headers := make(map[string]string, len(resp.Header()))
		for k := range resp.Header() {
			headers[strings.ToLower(k)] = resp.Header().Get(k)
		}

		return actions.HTTPResponse{
			Status:  resp.StatusCode(),
			Headers: headers,
			Body:    responseBody(resp.Body()),
		}, nil
	}
}

// responseBody keeps JSON bodies as documents and wraps anything else as a string.
func responseBody(b []byte) json.RawMessage {
	if len(b) > 0 && json.Valid(b) {
		return json.RawMessage(b)
	}
	s, _ := json.Marshal(string(b))
	return s
}
