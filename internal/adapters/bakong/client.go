package bakong

import (
	"bytes"
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

	"github.com/rs/zerolog"

	"khqr-gateway/internal/infra/metrics"
)

const (
	defaultBaseURL = "https://api-bakong.nbc.gov.kh"
	apiVersion     = "v1"
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	defaultAppIconURL = "https://bakong.nbc.gov.kh/images/logo.svg"
	defaultAppName    = "Bakong Payment"
	defaultCallback   = "https://bakong.nbc.gov.kh/"
)

// Response codes of the network envelope.
const (
	codeSuccess   = 0
	codeNotFound  = 1
	codeTransport = -1
)

// Result is the uniform outcome of a gateway call. Transport failures are
// folded in rather than returned as errors so the reconciliation engine
// always receives a value it must explicitly branch on.
type Result struct {
	Code    int            `json:"responseCode"`
	Message string         `json:"responseMessage"`
	Data    map[string]any `json:"data"`

	// Preserved diagnostics for transport failures.
	HTTPStatus int    `json:"-"`
	Body       string `json:"-"`

	transport bool
}

// Success reports responseCode 0 from the network.
func (r Result) Success() bool { return !r.transport && r.Code == codeSuccess }

// NotFound reports responseCode 1: the network has no record for the key,
// which for a status poll means "not paid yet".
func (r Result) NotFound() bool { return !r.transport && r.Code == codeNotFound }

// TransportError reports a network-layer failure, a non-2xx response or an
// undecodable body. Never proof of payment failure.
func (r Result) TransportError() bool { return r.transport || (r.Code != codeSuccess && r.Code != codeNotFound) }

// DataString extracts a string-ish field from the envelope data.
func (r Result) DataString(key string) string {
	switch v := r.Data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

// DataFloat extracts a numeric field from the envelope data.
func (r Result) DataFloat(key string) (float64, bool) {
	switch v := r.Data[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func transportResult(format string, args ...any) Result {
	return Result{Code: codeTransport, Message: fmt.Sprintf(format, args...), transport: true}
}

// SourceInfo brands a generated deep link in the wallet app.
type SourceInfo struct {
	AppIconURL          string `json:"appIconUrl"`
	AppName             string `json:"appName"`
	AppDeepLinkCallback string `json:"appDeepLinkCallback"`
}

// Config carries the network endpoint plus the deployment-environment
// transport overrides. The tunnel substitutes a fixed ip:port for the real
// host while the request keeps the original Host/Referer/Origin, so
// intermediary validation still matches.
type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	ProxyURL    string
	TunnelAddr  string
	UseTunnel   bool
}

type Client struct {
	cfg        Config
	targetHost string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	targetHost := defaultBaseURL[len("https://"):]
	if parsed, err := url.Parse(cfg.BaseURL); err == nil && parsed.Host != "" {
		targetHost = parsed.Host
	}

	c := &Client{cfg: cfg, targetHost: targetHost, log: log}
	c.httpClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: c.newTransport(),
	}
	return c
}

// SetHTTPClient overrides the transport, used by tests.
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	if httpClient != nil {
		c.httpClient = httpClient
	}
}

func (c *Client) newTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		// Mixed-mode resolution against the pinned routes is the observed
		// failure mode, so dial IPv4 only.
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			if c.cfg.UseTunnel && c.cfg.TunnelAddr != "" && addr == net.JoinHostPort(c.targetHost, "443") {
				addr = c.cfg.TunnelAddr
			}
			return dialer.DialContext(ctx, "tcp4", addr)
		},
	}
	if c.cfg.UseTunnel {
		// The tunnel terminates at a raw IP or internal gateway whose
		// certificate cannot match the target host.
		transport.TLSClientConfig.InsecureSkipVerify = true
		transport.TLSClientConfig.ServerName = c.targetHost
	} else if c.cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(c.cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return transport
}

// CheckTransaction asks the network whether the payload with this md5 digest
// has been paid. An empty token falls back to the configured one.
func (c *Client) CheckTransaction(ctx context.Context, digest, token string) Result {
	return c.send(ctx, "/check_transaction_by_md5", map[string]string{"md5": digest}, token)
}

// CheckTransactionList is the batch variant for amortizing polling across
// many pending transactions.
func (c *Client) CheckTransactionList(ctx context.Context, digests []string) Result {
	return c.send(ctx, "/check_transaction_by_md5_list", digests, "")
}

// RenewToken refreshes the API credential. No bearer token per the network
// contract.
func (c *Client) RenewToken(ctx context.Context, email string) Result {
	return c.sendWithoutAuth(ctx, "/renew_token", map[string]string{"email": email})
}

// GenerateDeeplink exchanges a QR payload for a wallet short link.
func (c *Client) GenerateDeeplink(ctx context.Context, qr string, source *SourceInfo) Result {
	if source == nil {
		source = &SourceInfo{
			AppIconURL:          defaultAppIconURL,
			AppName:             defaultAppName,
			AppDeepLinkCallback: defaultCallback,
		}
	}
	return c.send(ctx, "/generate_deeplink_by_qr", map[string]any{
		"qr":         qr,
		"sourceInfo": source,
	}, "")
}

func (c *Client) send(ctx context.Context, endpoint string, payload any, token string) Result {
	if token == "" {
		token = c.cfg.AccessToken
	}
	return c.do(ctx, endpoint, payload, token)
}

func (c *Client) sendWithoutAuth(ctx context.Context, endpoint string, payload any) Result {
	return c.do(ctx, endpoint, payload, "")
}

func (c *Client) do(ctx context.Context, endpoint string, payload any, token string) Result {
	start := time.Now()
	result := c.roundTrip(ctx, endpoint, payload, token)

	status := "ok"
	switch {
	case result.TransportError():
		status = "transport_error"
	case result.NotFound():
		status = "not_found"
	}
	metrics.GatewayRequestDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
	return result
}

func (c *Client) roundTrip(ctx context.Context, endpoint string, payload any, token string) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return transportResult("marshal request: %v", err)
	}

	requestURL := c.cfg.BaseURL + "/" + apiVersion + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return transportResult("build request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	// WAF/CDN in front of the network validates host coherence even when the
	// connection is routed elsewhere.
	req.Header.Set("Referer", "https://"+c.targetHost+"/")
	req.Header.Set("Origin", "https://"+c.targetHost)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error().Err(err).Str("endpoint", endpoint).Msg("bakong: request failed")
		return transportResult("send request: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportResult("read response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Error().Int("status", resp.StatusCode).Str("endpoint", endpoint).
			Str("body", strings.TrimSpace(string(data))).Msg("bakong: non-2xx response")
		return Result{
			Code:       codeTransport,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
			HTTPStatus: resp.StatusCode,
			Body:       string(data),
			transport:  true,
		}
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return transportResult("decode response: %v", err)
	}
	return result
}
