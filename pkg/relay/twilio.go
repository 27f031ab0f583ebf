package relay

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/transports"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioConfig holds Network Traversal Service credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	TTL        time.Duration
	Timeout    time.Duration
}

type tokenCreator interface {
	CreateToken(params *api.CreateTokenParams) (*api.ApiV2010Token, error)
}

// TwilioSource mints TURN credentials through Twilio's token API.
type TwilioSource struct {
	cfg    TwilioConfig
	tokens tokenCreator
	logger *slog.Logger
}

func NewTwilioSource(cfg TwilioConfig) *TwilioSource {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSource{
		cfg:    cfg,
		tokens: rest.Api,
		logger: logging.NewComponentLogger(slog.Default(), "relay_twilio"),
	}
}

func (s *TwilioSource) Fetch(ctx context.Context) (Credentials, error) {
	if s.cfg.AccountSID == "" || s.cfg.AuthToken == "" {
		return Credentials{}, &errorsx.CredentialError{
			Reason: errorsx.ReasonCredentialFetch,
			Err:    errors.New("missing twilio credentials"),
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type result struct {
		token *api.ApiV2010Token
		err   error
	}
	done := make(chan result, 1)
	go func() {
		params := &api.CreateTokenParams{}
		params.SetTtl(int(s.cfg.TTL.Seconds()))
		token, err := s.tokens.CreateToken(params)
		done <- result{token: token, err: err}
	}()

	select {
	case <-ctx.Done():
		return Credentials{}, &errorsx.CredentialError{Reason: errorsx.ReasonCredentialTimeout, Err: ctx.Err()}
	case res := <-done:
		if res.err != nil {
			s.logger.Warn("twilio_token_failed", slog.String("error", res.err.Error()))
			return Credentials{}, &errorsx.CredentialError{Reason: errorsx.ReasonCredentialFetch, Err: res.err}
		}
		return s.toCredentials(res.token)
	}
}

func (s *TwilioSource) toCredentials(token *api.ApiV2010Token) (Credentials, error) {
	if token == nil || token.IceServers == nil {
		return Credentials{}, &errorsx.CredentialError{
			Reason: errorsx.ReasonCredentialDecode,
			Err:    errors.New("token has no ice servers"),
		}
	}
	creds := Credentials{TTL: s.cfg.TTL}
	if token.Ttl != nil {
		if secs, err := strconv.Atoi(*token.Ttl); err == nil && secs > 0 {
			creds.TTL = time.Duration(secs) * time.Second
		}
	}
	for _, ice := range *token.IceServers {
		raw := ice.Urls
		if raw == "" {
			raw = ice.Url
		}
		urls := transports.SplitURLs(raw)
		if len(urls) == 0 {
			continue
		}
		creds.Servers = append(creds.Servers, transports.ICEServer{
			URLs:       urls,
			Username:   ice.Username,
			Credential: ice.Credential,
		})
	}
	if len(creds.Servers) == 0 {
		return Credentials{}, &errorsx.CredentialError{
			Reason: errorsx.ReasonCredentialDecode,
			Err:    errors.New("token has no usable ice servers"),
		}
	}
	return creds, nil
}

var _ Source = (*TwilioSource)(nil)
