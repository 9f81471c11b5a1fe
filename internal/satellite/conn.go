package satellite

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ipsix/fleetaudit/internal/inventory"
	"github.com/ipsix/fleetaudit/internal/scanerr"
)

const (
	statusPath     = "/api/status"
	defaultPort    = 443
	defaultTimeout = 30 * time.Second
)

// Conn is the version-independent transport to one Satellite server.
type Conn interface {
	// Status probes the server and returns the HTTP status code and the API
	// version it advertises.
	Status(ctx context.Context) (int, string, error)
	// GetJSON issues a GET and decodes a 200 response into out.
	GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error
}

// DialFunc builds a Conn for a source. It must not perform network I/O.
type DialFunc func(source inventory.Source) (Conn, error)

type ConnOptions struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

type httpConn struct {
	client   *http.Client
	baseURL  string
	username string
	password string
	limiter  *rate.Limiter
}

// Dialer returns a DialFunc that talks HTTPS to the source's first host.
func Dialer(opts ConnOptions) DialFunc {
	return func(source inventory.Source) (Conn, error) {
		return NewConn(source, opts)
	}
}

func NewConn(source inventory.Source, opts ConnOptions) (Conn, error) {
	host := source.Host()
	if host == "" {
		return nil, fmt.Errorf("source %s has no host", source.ID)
	}
	port := source.Port
	if port == 0 {
		port = defaultPort
	}
	base := host
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + net.JoinHostPort(host, strconv.Itoa(port))
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: !source.VerifyTLS(), //nolint:gosec // operator opt-out per source
		}
		client = &http.Client{Timeout: timeout, Transport: transport}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &httpConn{
		client:   client,
		baseURL:  strings.TrimRight(base, "/"),
		username: source.Credential.Username,
		password: source.Credential.Password,
		limiter:  rate.NewLimiter(limit, 1),
	}, nil
}

func (c *httpConn) Status(ctx context.Context) (int, string, error) {
	resp, err := c.do(ctx, statusPath, nil)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, "", nil
	}
	var body struct {
		APIVersion json.Number `json:"api_version"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return resp.StatusCode, "", scanerr.Wrap(err, scanerr.KindProtocol, "decode "+statusPath)
	}
	return resp.StatusCode, body.APIVersion.String(), nil
}

func (c *httpConn) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	resp, err := c.do(ctx, path, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return scanerr.New(scanerr.KindProtocol, "GET %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return scanerr.Wrap(err, scanerr.KindProtocol, "decode "+path)
	}
	return nil
}

func (c *httpConn) do(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, scanerr.Wrap(err, scanerr.KindTransport, "GET "+path)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.client.Do(req) //nolint:gosec // URL constructed from configured source + API path
	if err != nil {
		return nil, scanerr.Wrap(err, scanerr.KindTransport, "GET "+path)
	}
	return resp, nil
}
