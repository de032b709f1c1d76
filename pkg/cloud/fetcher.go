// Package cloud retrieves device LAN configuration from the cloud service.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lanmode/lanmode-go/pkg/lan"
	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"golang.org/x/sync/singleflight"
)

// Defaults for HTTPFetcher.
const (
	DefaultTimeout         = 10 * time.Second
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
	DefaultMaxElapsedTime  = 30 * time.Second

	maxResponseSize = 64 * 1024
)

// ErrUnexpectedStatus marks a response status the fetcher cannot use.
var ErrUnexpectedStatus = errors.New("unexpected status")

// LanIP is the lanip object of a device's lan.json.
type LanIP struct {
	KeyID     int    `json:"lanip_key_id"`
	Key       string `json:"lanip_key"`
	KeepAlive int    `json:"keep_alive"`
	Status    string `json:"status"`
}

// Config converts the cloud representation to a lan.Config.
func (l LanIP) Config() lan.Config {
	return lan.Config{
		KeyID:     l.KeyID,
		Key:       []byte(l.Key),
		KeepAlive: time.Duration(l.KeepAlive) * time.Second,
		Status:    l.Status,
	}
}

type lanResponse struct {
	LanIP *LanIP `json:"lanip"`
}

// Config configures an HTTPFetcher.
type Config struct {
	// BaseURL is the device service URL, e.g. https://ads-dev.example.com.
	BaseURL string

	// AuthToken is sent as "Authorization: auth_token <token>".
	AuthToken string

	// Client defaults to a client with DefaultTimeout.
	Client *http.Client

	// Retry policy for transient failures.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration

	// Logger is the operational logger.
	Logger *slog.Logger
}

// HTTPFetcher fetches lan.json over HTTPS. Concurrent fetches for the same
// DSN share one request.
type HTTPFetcher struct {
	config Config
	client *http.Client
	logger *slog.Logger
	group  singleflight.Group
}

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(config Config) *HTTPFetcher {
	if config.InitialInterval <= 0 {
		config.InitialInterval = DefaultInitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = DefaultMaxInterval
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = DefaultMaxElapsedTime
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPFetcher{
		config: config,
		client: client,
		logger: config.Logger,
	}
}

var _ lan.ConfigFetcher = (*HTTPFetcher)(nil)

// FetchLanConfig returns the LAN config of dsn. A missing or empty config
// fails with LanConfigEmptyOnCloud, an unreachable service with
// RequireCloudReachability and an unusable response with CloudInvalidResp.
func (f *HTTPFetcher) FetchLanConfig(ctx context.Context, dsn string) (lan.Config, error) {
	if dsn == "" {
		return lan.Config{}, lanerr.New(lanerr.LibraryInvalidParam, "fetch lan config: empty dsn")
	}

	ch := f.group.DoChan(dsn, func() (any, error) {
		return f.fetch(context.WithoutCancel(ctx), dsn)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return lan.Config{}, res.Err
		}
		return res.Val.(LanIP).Config(), nil
	case <-ctx.Done():
		return lan.Config{}, lanerr.Wrap(lanerr.Cancelled, "fetch lan config", ctx.Err())
	}
}

func (f *HTTPFetcher) fetch(ctx context.Context, dsn string) (LanIP, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.config.InitialInterval
	b.MaxInterval = f.config.MaxInterval
	b.MaxElapsedTime = f.config.MaxElapsedTime

	var out LanIP
	op := func() error {
		lanip, err := f.fetchOnce(ctx, dsn)
		if err != nil {
			return err
		}
		out = lanip
		return nil
	}
	notify := func(err error, next time.Duration) {
		f.debugLog("cloud: fetch failed, retrying", "dsn", dsn, "error", err, "next", next)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		var le *lanerr.Error
		if errors.As(err, &le) {
			return LanIP{}, le
		}
		return LanIP{}, lanerr.Wrap(lanerr.RequireCloudReachability, "fetch lan config", err)
	}
	f.debugLog("cloud: lan config fetched", "dsn", dsn, "key_id", out.KeyID)
	return out, nil
}

// fetchOnce performs one request. Failures that retrying cannot fix are
// wrapped with backoff.Permanent.
func (f *HTTPFetcher) fetchOnce(ctx context.Context, dsn string) (LanIP, error) {
	target := strings.TrimSuffix(f.config.BaseURL, "/") + "/apiv1/dsns/" + url.PathEscape(dsn) + "/lan.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return LanIP{}, backoff.Permanent(lanerr.Wrap(lanerr.LibraryInvalidParam, "fetch lan config", err))
	}
	req.Header.Set("Accept", "application/json")
	if f.config.AuthToken != "" {
		req.Header.Set("Authorization", "auth_token "+f.config.AuthToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return LanIP{}, lanerr.Wrap(lanerr.RequireCloudReachability, "fetch lan config", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return LanIP{}, lanerr.Wrap(lanerr.RequireCloudReachability, "fetch lan config", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return LanIP{}, backoff.Permanent(statusError(lanerr.LanConfigEmptyOnCloud, resp))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return LanIP{}, statusError(lanerr.CloudInvalidResp, resp)
	case resp.StatusCode != http.StatusOK:
		return LanIP{}, backoff.Permanent(statusError(lanerr.CloudInvalidResp, resp))
	}

	var parsed lanResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return LanIP{}, backoff.Permanent(lanerr.Wrap(lanerr.CloudInvalidResp, "fetch lan config", err))
	}
	if parsed.LanIP == nil || parsed.LanIP.Key == "" {
		return LanIP{}, backoff.Permanent(lanerr.New(lanerr.LanConfigEmptyOnCloud, "fetch lan config"))
	}
	return *parsed.LanIP, nil
}

func statusError(code lanerr.Code, resp *http.Response) *lanerr.Error {
	e := lanerr.Wrap(code, "fetch lan config", fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status))
	e.Status = resp.StatusCode
	return e
}

// debugLog logs a debug message if a logger is configured.
func (f *HTTPFetcher) debugLog(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Debug(msg, args...)
	}
}
