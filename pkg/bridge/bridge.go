// Package bridge exposes a hub's HTTP API to browsers through the relay.
//
// Requests under /adaos/ are reverse proxied to the hub with the prefix
// stripped, WebSocket upgrades included. Two subnet shortcuts are forwarded
// as plain JSON calls. Every upstream request carries the hub token.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/txn2/inimatic-relay/pkg/webtoken"
)

const (
	// TokenHeader carries the hub token upstream.
	TokenHeader = "X-AdaOS-Token"

	// BaseHeader selects one of the allowed hub base URLs.
	BaseHeader = "X-AdaOS-Base"

	// Prefix is the path prefix of proxied requests.
	Prefix = "/adaos"

	// DefaultBaseURL is the hub address used when none is configured.
	DefaultBaseURL = "http://127.0.0.1:8777"

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

// Config configures a Bridge.
type Config struct {
	// BaseURL is the default hub address.
	BaseURL string

	// Token is sent upstream when the request carries none.
	Token string

	// AllowedBases lists hub addresses a request may select with BaseHeader.
	AllowedBases []string

	// Verifier, when set, requires a valid bearer web session token.
	Verifier *webtoken.Signer

	// Client performs the shortcut calls. Defaults to a client with a timeout.
	Client *http.Client

	Logger *slog.Logger
}

// Bridge is an http.Handler for the hub routes.
type Bridge struct {
	base     *url.URL
	allowed  map[string]*url.URL
	token    string
	verifier *webtoken.Signer
	client   *http.Client
	logger   *slog.Logger
	proxy    *httputil.ReverseProxy
	mux      *http.ServeMux
}

// New creates a Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]*url.URL, len(cfg.AllowedBases))
	for _, raw := range cfg.AllowedBases {
		u, err := parseBase(raw)
		if err != nil {
			return nil, err
		}
		allowed[u.String()] = u
	}

	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bridge{
		base:     base,
		allowed:  allowed,
		token:    cfg.Token,
		verifier: cfg.Verifier,
		client:   cfg.Client,
		logger:   cfg.Logger,
	}
	b.proxy = &httputil.ReverseProxy{
		Rewrite:      b.rewrite,
		ErrorHandler: b.proxyError,
	}

	b.mux = http.NewServeMux()
	b.mux.Handle(Prefix+"/", b.proxy)
	b.mux.HandleFunc("GET /api/subnet/nodes", b.handleNodes)
	b.mux.HandleFunc("POST /api/subnet/ping", b.handlePing)
	return b, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing hub url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("hub url %q must be absolute http(s)", raw)
	}
	return u, nil
}

// ServeHTTP implements http.Handler.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.verifier != nil && b.verifier.Verify(webtoken.FromHeader(r.Header.Get("Authorization"))) == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	b.mux.ServeHTTP(w, r)
}

// resolveBase returns the hub a request is routed to.
func (b *Bridge) resolveBase(r *http.Request) *url.URL {
	if h := strings.TrimRight(r.Header.Get(BaseHeader), "/"); h != "" {
		if u, ok := b.allowed[h]; ok {
			return u
		}
	}
	return b.base
}

func (b *Bridge) resolveToken(r *http.Request) string {
	if t := r.Header.Get(TokenHeader); t != "" {
		return t
	}
	return b.token
}

func (b *Bridge) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, Prefix)
	pr.Out.URL.RawPath = ""
	pr.SetURL(b.resolveBase(pr.In))
	pr.SetXForwarded()

	pr.Out.Header.Del(BaseHeader)
	pr.Out.Header.Del("Authorization")
	pr.Out.Header.Set(TokenHeader, b.resolveToken(pr.In))
}

func (b *Bridge) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	b.logger.Warn("hub proxy failed", "path", r.URL.Path, "error", err)
	writeUpstreamError(w, err)
}

func (b *Bridge) handleNodes(w http.ResponseWriter, r *http.Request) {
	body, err := b.call(r.Context(), http.MethodGet, b.resolveBase(r), "/api/subnet/nodes", b.resolveToken(r), nil)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (b *Bridge) handlePing(w http.ResponseWriter, r *http.Request) {
	payload := json.RawMessage("{}")
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if !json.Valid(data) {
			writeError(w, http.StatusBadRequest, "body must be JSON")
			return
		}
		payload = data
	}

	body, err := b.call(r.Context(), http.MethodPost, b.resolveBase(r), "/api/subnet/ping", b.resolveToken(r), payload)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// call performs one JSON request against the hub and returns its JSON body.
func (b *Bridge) call(ctx context.Context, method string, base *url.URL, path, token string, payload json.RawMessage) (json.RawMessage, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, base.String()+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(TokenHeader, token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%d", resp.StatusCode)
	}

	var body json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding upstream response: %w", err)
	}
	return body, nil
}

// upstreamError is the body of a failed hub call.
type upstreamError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	detail := err.Error()
	var uerr *url.Error
	if errors.As(err, &uerr) {
		detail = uerr.Err.Error()
	}
	writeJSON(w, http.StatusBadGateway, upstreamError{Error: "adaos upstream failed", Detail: detail})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
