package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/transports"
)

// DefaultTimeout bounds a credential fetch.
const DefaultTimeout = 10 * time.Second

// Credentials are short-lived relay servers for one transport.
type Credentials struct {
	Servers []transports.ICEServer
	// TTL is how long the credentials stay valid; zero means unknown.
	TTL time.Duration
}

// Source fetches relay credentials. Every failure is a *errorsx.CredentialError.
type Source interface {
	Fetch(ctx context.Context) (Credentials, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Credentials, error)

func (f SourceFunc) Fetch(ctx context.Context) (Credentials, error) { return f(ctx) }

// Static returns fixed servers, e.g. the public STUN pair when no relay is configured.
func Static(servers []transports.ICEServer) Source {
	return SourceFunc(func(context.Context) (Credentials, error) {
		return Credentials{Servers: servers}, nil
	})
}

// urlList accepts "urls" either as a string or a list of strings.
type urlList []string

func (u *urlList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*u = transports.SplitURLs(single)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

type serverPayload struct {
	URLs       urlList `json:"urls"`
	URL        string  `json:"url"`
	Username   string  `json:"username"`
	Credential string  `json:"credential"`
	Password   string  `json:"password"`
}

func (p serverPayload) server() (transports.ICEServer, bool) {
	urls := []string(p.URLs)
	if len(urls) == 0 && p.URL != "" {
		urls = transports.SplitURLs(p.URL)
	}
	if len(urls) == 0 {
		return transports.ICEServer{}, false
	}
	secret := p.Credential
	if secret == "" {
		secret = p.Password
	}
	return transports.ICEServer{URLs: urls, Username: p.Username, Credential: secret}, true
}

type tokenPayload struct {
	serverPayload
	ICEServers []serverPayload `json:"iceServers"`
	TTL        int             `json:"ttl"`
}

// Decode parses a relay token body. It accepts a single server object
// ({urls|url, username, credential|password}) or {iceServers: [...]}.
func Decode(body []byte) (Credentials, error) {
	var payload tokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Credentials{}, &errorsx.CredentialError{Reason: errorsx.ReasonCredentialDecode, Err: err}
	}
	var creds Credentials
	for _, s := range payload.ICEServers {
		if srv, ok := s.server(); ok {
			creds.Servers = append(creds.Servers, srv)
		}
	}
	if srv, ok := payload.server(); ok {
		creds.Servers = append(creds.Servers, srv)
	}
	if len(creds.Servers) == 0 {
		return Credentials{}, &errorsx.CredentialError{
			Reason: errorsx.ReasonCredentialDecode,
			Err:    errors.New("no relay urls in response"),
		}
	}
	if payload.TTL > 0 {
		creds.TTL = time.Duration(payload.TTL) * time.Second
	}
	return creds, nil
}

// classify maps a transport-level failure to a credential error.
func classify(ctx context.Context, err error) error {
	var ce *errorsx.CredentialError
	if errors.As(err, &ce) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil,
		errors.As(err, &netErr) && netErr.Timeout():
		return &errorsx.CredentialError{Reason: errorsx.ReasonCredentialTimeout, Err: err}
	default:
		return &errorsx.CredentialError{Reason: errorsx.ReasonCredentialFetch, Err: err}
	}
}

func trimmed(s string) string { return strings.TrimSpace(s) }
