package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/logging"
)

// HTTPConfig describes the relay token endpoint.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// HTTPSource GETs relay credentials from a token endpoint.
type HTTPSource struct {
	cfg    HTTPConfig
	client *resty.Client
	logger *slog.Logger
}

func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeaders(cfg.Headers)
	return &HTTPSource{
		cfg:    cfg,
		client: client,
		logger: logging.NewComponentLogger(slog.Default(), "relay_http"),
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) (Credentials, error) {
	if trimmed(s.cfg.URL) == "" {
		return Credentials{}, &errorsx.CredentialError{
			Reason: errorsx.ReasonCredentialFetch,
			Err:    fmt.Errorf("relay token url is required"),
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	started := time.Now()
	resp, err := s.client.R().SetContext(ctx).Get(s.cfg.URL)
	if err != nil {
		cerr := classify(ctx, err)
		s.logger.Warn("relay_fetch_failed",
			slog.String("reason", string(errorsx.Reason(cerr))),
			slog.String("error", err.Error()))
		return Credentials{}, cerr
	}
	if resp.IsError() {
		s.logger.Warn("relay_fetch_status", slog.Int("status", resp.StatusCode()))
		return Credentials{}, &errorsx.CredentialError{
			Reason:     errorsx.ReasonCredentialStatus,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("HTTP error: %d", resp.StatusCode()),
		}
	}
	creds, err := Decode(resp.Body())
	if err != nil {
		s.logger.Warn("relay_decode_failed", slog.String("error", err.Error()))
		return Credentials{}, err
	}
	s.logger.Debug("relay_fetched",
		slog.Int("servers", len(creds.Servers)),
		slog.Int64("elapsed_ms", time.Since(started).Milliseconds()))
	return creds, nil
}

var _ Source = (*HTTPSource)(nil)
