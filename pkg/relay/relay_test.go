package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/avatar/pkg/errorsx"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

func TestHTTPSourceDecodesRelayToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "secret" {
			t.Errorf("missing auth header")
		}
		_, _ = w.Write([]byte(`{"Urls":["turn:relay.example.com:3478"],"Username":"u1","Password":"p1"}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPConfig{URL: srv.URL, Headers: map[string]string{"Ocp-Apim-Subscription-Key": "secret"}})
	creds, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(creds.Servers) != 1 {
		t.Fatalf("expected one server, got %d", len(creds.Servers))
	}
	s := creds.Servers[0]
	if s.URLs[0] != "turn:relay.example.com:3478" || s.Username != "u1" || s.Credential != "p1" {
		t.Fatalf("unexpected server %+v", s)
	}
}

func TestHTTPSourceFailureModes(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		reason  errorsx.ReasonCode
	}{
		{
			name:    "status",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			reason:  errorsx.ReasonCredentialStatus,
		},
		{
			name:    "malformed",
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"urls":`)) },
			reason:  errorsx.ReasonCredentialDecode,
		},
		{
			name:    "empty",
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{}`)) },
			reason:  errorsx.ReasonCredentialDecode,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(time.Second):
				case <-r.Context().Done():
				}
			},
			reason: errorsx.ReasonCredentialTimeout,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			_, err := NewHTTPSource(HTTPConfig{URL: srv.URL, Timeout: 100 * time.Millisecond}).Fetch(context.Background())
			var ce *errorsx.CredentialError
			if !errors.As(err, &ce) {
				t.Fatalf("expected CredentialError, got %v", err)
			}
			if ce.Reason != tc.reason {
				t.Fatalf("expected reason %s, got %s", tc.reason, ce.Reason)
			}
		})
	}
}

func TestDecodeICEServerList(t *testing.T) {
	creds, err := Decode([]byte(`{"iceServers":[{"urls":"stun:a:19302"},{"url":"turn:b:3478,turns:b:443","username":"x","credential":"y"}],"ttl":600}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(creds.Servers) != 2 || len(creds.Servers[1].URLs) != 2 {
		t.Fatalf("unexpected servers %+v", creds.Servers)
	}
	if creds.TTL != 10*time.Minute {
		t.Fatalf("unexpected ttl %s", creds.TTL)
	}
}

func TestCachedSourceReusesCredentials(t *testing.T) {
	var calls atomic.Int32
	inner := SourceFunc(func(ctx context.Context) (Credentials, error) {
		calls.Add(1)
		return Decode([]byte(`{"urls":"turn:a:3478","username":"u","credential":"c"}`))
	})
	cached := NewCachedSource(inner, time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := cached.Fetch(context.Background()); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one upstream fetch, got %d", calls.Load())
	}
	cached.Invalidate()
	_, _ = cached.Fetch(context.Background())
	if calls.Load() != 2 {
		t.Fatalf("expected refetch after invalidate, got %d", calls.Load())
	}
}

func TestCachedSourceDoesNotCacheErrors(t *testing.T) {
	var calls atomic.Int32
	inner := SourceFunc(func(ctx context.Context) (Credentials, error) {
		calls.Add(1)
		return Credentials{}, &errorsx.CredentialError{Reason: errorsx.ReasonCredentialFetch}
	})
	cached := NewCachedSource(inner, time.Minute)
	_, _ = cached.Fetch(context.Background())
	_, _ = cached.Fetch(context.Background())
	if calls.Load() != 2 {
		t.Fatalf("errors must not be cached")
	}
}

type fakeTokens struct {
	token *api.ApiV2010Token
	err   error
	delay time.Duration
}

func (f fakeTokens) CreateToken(params *api.CreateTokenParams) (*api.ApiV2010Token, error) {
	time.Sleep(f.delay)
	return f.token, f.err
}

func TestTwilioSourceMapsIceServers(t *testing.T) {
	ttl := "86400"
	servers := []api.ApiV2010AccountTokenIceServers{
		{Urls: "stun:global.stun.twilio.com:3478"},
		{Urls: "turn:global.turn.twilio.com:3478?transport=udp", Username: "u", Credential: "c"},
	}
	src := NewTwilioSource(TwilioConfig{AccountSID: "AC1", AuthToken: "t"})
	src.tokens = fakeTokens{token: &api.ApiV2010Token{IceServers: &servers, Ttl: &ttl}}
	creds, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(creds.Servers) != 2 || creds.Servers[1].Credential != "c" {
		t.Fatalf("unexpected servers %+v", creds.Servers)
	}
	if creds.TTL != 24*time.Hour {
		t.Fatalf("unexpected ttl %s", creds.TTL)
	}
}

func TestTwilioSourceTimeout(t *testing.T) {
	src := NewTwilioSource(TwilioConfig{AccountSID: "AC1", AuthToken: "t", Timeout: 20 * time.Millisecond})
	src.tokens = fakeTokens{delay: 200 * time.Millisecond}
	_, err := src.Fetch(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonCredentialTimeout) {
		t.Fatalf("expected timeout reason, got %v", err)
	}
}
