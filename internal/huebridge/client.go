// Package huebridge is the HTTPS control-plane client for a Hue bridge: it
// resolves the streaming PSK identity and starts/stops entertainment
// configurations. It never touches the DTLS streaming session itself (see
// internal/stream for that).
package huebridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// EntertainmentConfiguration is the subset of a Hue entertainment
// configuration resource this module cares about.
type EntertainmentConfiguration struct {
	ID         string
	Name       string
	ChannelIDs []int
}

// Client talks to one Hue bridge's REST v2 API over HTTPS.
type Client struct {
	host   string
	appKey string
	logger *slog.Logger

	mu       sync.Mutex
	strict   *http.Client
	insecure *http.Client
	fellBack bool // once true, every request goes straight to insecure.
}

// New creates a client for the bridge at host, authenticating with appKey
// (the Hue "hue-application-key").
func New(host, appKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	insecureTransport := *http.DefaultTransport.(*http.Transport)
	insecureTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &Client{
		host:     host,
		appKey:   appKey,
		logger:   logger,
		strict:   &http.Client{},
		insecure: &http.Client{Transport: &insecureTransport},
	}
}

func (c *Client) baseURL() string {
	return fmt.Sprintf("https://%s", c.host)
}

func (c *Client) setAuthHeader(req *http.Request) {
	req.Header.Set("hue-application-key", c.appKey)
}

// do executes req, trying the strict (certificate-verifying) client first.
// On a TLS verification failure it falls back to the insecure client once
// and keeps using it for all subsequent calls on this Client, per the
// retry-once policy: self-signed bridge certificates are the norm, not an
// anomaly worth re-litigating on every request.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	fellBack := c.fellBack
	c.mu.Unlock()

	if fellBack {
		return c.insecure.Do(req)
	}

	resp, err := c.strict.Do(req)
	if err == nil {
		return resp, nil
	}
	if !isCertVerificationError(err) {
		return nil, err
	}

	c.mu.Lock()
	if !c.fellBack {
		c.logger.Warn("falling back to insecure TLS for bridge", "host", c.host)
		c.fellBack = true
	}
	c.mu.Unlock()

	return c.insecure.Do(req)
}

func isCertVerificationError(err error) bool {
	var unknownAuth x509.UnknownAuthorityError
	var verifyErr *tls.CertificateVerificationError
	return errors.As(err, &unknownAuth) || errors.As(err, &verifyErr)
}

// ResolveApplicationID asks the bridge for its hue-application-id. If the
// header is absent from the response it falls back to the app key itself,
// since older bridge firmware omits the header entirely.
func (c *Client) ResolveApplicationID(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/auth/v1", nil)
	if err != nil {
		return "", fmt.Errorf("huebridge: build auth request: %w", err)
	}
	c.setAuthHeader(req)

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("huebridge: resolve application id: %w", err)
	}
	defer drain(resp.Body)

	if id := resp.Header.Get("hue-application-id"); id != "" {
		return id, nil
	}
	return c.appKey, nil
}

type entertainmentConfigResponse struct {
	Data []struct {
		ID       string `json:"id"`
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
		Channels []struct {
			ChannelID json.RawMessage `json:"channel_id"`
		} `json:"channels"`
	} `json:"data"`
}

// ListEntertainmentConfigurations returns every entertainment configuration
// visible to this application key.
func (c *Client) ListEntertainmentConfigurations(ctx context.Context) ([]EntertainmentConfiguration, error) {
	url := c.baseURL() + "/clip/v2/resource/entertainment_configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("huebridge: build list request: %w", err)
	}
	c.setAuthHeader(req)

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("huebridge: list entertainment configurations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drain(resp.Body)
		return nil, fmt.Errorf("huebridge: list entertainment configurations: status %d", resp.StatusCode)
	}

	var parsed entertainmentConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("huebridge: decode entertainment configurations: %w", err)
	}

	out := make([]EntertainmentConfiguration, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		cfg := EntertainmentConfiguration{ID: d.ID, Name: d.Metadata.Name}
		for _, ch := range d.Channels {
			var n json.Number
			if err := json.Unmarshal(ch.ChannelID, &n); err != nil {
				continue // not a number: skipped rather than failing the whole list.
			}
			if id, err := n.Int64(); err == nil {
				cfg.ChannelIDs = append(cfg.ChannelIDs, int(id))
			}
		}
		out = append(out, cfg)
	}
	return out, nil
}

// StartEntertainmentConfiguration issues the "start" action for id.
func (c *Client) StartEntertainmentConfiguration(ctx context.Context, id string) error {
	return c.streamAction(ctx, id, "start")
}

// StopEntertainmentConfiguration issues the "stop" action for id. Callers
// should treat errors from this method as best-effort: a bridge that is
// already stopped, rebooting, or unreachable should not block a graceful
// shutdown on this call succeeding.
func (c *Client) StopEntertainmentConfiguration(ctx context.Context, id string) error {
	return c.streamAction(ctx, id, "stop")
}

func (c *Client) streamAction(ctx context.Context, id, action string) error {
	url := c.baseURL() + "/clip/v2/resource/entertainment_configuration/" + id
	body := strings.NewReader(fmt.Sprintf(`{"action":%q}`, action))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return fmt.Errorf("huebridge: build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeader(req)

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("huebridge: %s entertainment configuration %s: %w", action, id, err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("huebridge: %s entertainment configuration %s: status %d", action, id, resp.StatusCode)
	}
	return nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}
