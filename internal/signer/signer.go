// Package signer produces authentication material for exchange REST and stream requests.
package signer

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/clock"
	"github.com/coachpo/tradewire/internal/observability"
)

const defaultRecvWindow = 5 * time.Second

// SignedRequest is a REST request bound to a fresh timestamp and signature. Never reuse one across
// attempts.
type SignedRequest struct {
	Method    string
	Path      string
	Query     string
	Signature string
	Timestamp time.Time
	Expires   time.Time
}

// Encoded returns the query with the signature appended, ready for the URL or form body.
func (r SignedRequest) Encoded() string {
	if r.Query == "" {
		return "signature=" + r.Signature
	}
	return r.Query + "&signature=" + r.Signature
}

// Expired reports whether the exchange would reject the request as outside its receive window.
func (r SignedRequest) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && now.After(r.Expires)
}

// Probe performs an authenticated round trip to confirm the credential is accepted.
type Probe func(ctx context.Context) error

// Signer owns the credential and signs REST and stream auth payloads.
type Signer struct {
	cred       Credential
	rest       Prover
	stream     Prover
	recvWindow time.Duration
	clock      clock.Clock
	logger     observability.Logger

	offset  atomic.Int64
	healthy atomic.Bool

	mu    sync.Mutex
	probe Probe
}

// Option configures a Signer.
type Option func(*Signer)

// WithRecvWindow sets the receive window sent with every signed request.
func WithRecvWindow(d time.Duration) Option {
	return func(s *Signer) {
		if d > 0 {
			s.recvWindow = d
		}
	}
}

// WithClock injects the time source used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Signer) { s.clock = clock.OrReal(c) }
}

// WithRESTProver replaces the HMAC prover, mainly for tests.
func WithRESTProver(p Prover) Option {
	return func(s *Signer) {
		if p != nil {
			s.rest = p
		}
	}
}

// WithStreamProver replaces the Ed25519 prover, mainly for tests.
func WithStreamProver(p Prover) Option {
	return func(s *Signer) {
		if p != nil {
			s.stream = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(s *Signer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New validates the credential and builds a Signer. A CredentialError here is fatal.
func New(cred Credential, opts ...Option) (*Signer, error) {
	if err := cred.validate(); err != nil {
		return nil, err
	}
	s := &Signer{
		cred:       cred,
		rest:       NewHMACSHA256(cred.secret),
		recvWindow: defaultRecvWindow,
		clock:      clock.Real{},
		logger:     observability.Log(),
	}
	if cred.HasStreamKey() {
		s.stream = Ed25519{key: cred.edKey}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.healthy.Store(true)
	return s, nil
}

// APIKey returns the public key sent in the X-MBX-APIKEY header.
func (s *Signer) APIKey() string { return s.cred.apiKey }

// RecvWindow returns the configured receive window.
func (s *Signer) RecvWindow() time.Duration { return s.recvWindow }

// SetTimeOffset records exchange time minus local time.
func (s *Signer) SetTimeOffset(d time.Duration) { s.offset.Store(int64(d)) }

func (s *Signer) now() time.Time {
	return s.clock.Now().Add(time.Duration(s.offset.Load()))
}

// SignREST signs the sorted query (timestamp and recvWindow included) with HMAC-SHA256.
func (s *Signer) SignREST(method, path string, params url.Values) (SignedRequest, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" || !strings.HasPrefix(path, "/") {
		return SignedRequest{}, errs.New("signer", errs.CodeInvalid, errs.WithMessage("method and absolute path required"))
	}
	values := url.Values{}
	for k, v := range params {
		if k == "signature" || k == "timestamp" {
			continue
		}
		values[k] = append([]string(nil), v...)
	}
	ts := s.now()
	values.Set("timestamp", strconv.FormatInt(ts.UnixMilli(), 10))
	values.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))
	query := values.Encode()

	sig, err := s.rest.Prove([]byte(query))
	if err != nil {
		return SignedRequest{}, err
	}
	return SignedRequest{
		Method:    method,
		Path:      path,
		Query:     query,
		Signature: string(sig),
		Timestamp: ts,
		Expires:   ts.Add(s.recvWindow),
	}, nil
}

// SignStreamAuth signs an auth challenge with the Ed25519 key.
func (s *Signer) SignStreamAuth(payload []byte) (string, error) {
	if s.stream == nil {
		return "", credentialError("stream auth requires an ed25519 key")
	}
	sig, err := s.stream.Prove(payload)
	if err != nil {
		return "", err
	}
	return string(sig), nil
}

// LogonParams builds the signed params of a session.logon request.
func (s *Signer) LogonParams() (map[string]any, error) {
	ts := s.now().UnixMilli()
	values := url.Values{}
	values.Set("apiKey", s.cred.apiKey)
	values.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))
	values.Set("timestamp", strconv.FormatInt(ts, 10))
	sig, err := s.SignStreamAuth([]byte(values.Encode()))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"apiKey":     s.cred.apiKey,
		"recvWindow": s.recvWindow.Milliseconds(),
		"timestamp":  ts,
		"signature":  sig,
	}, nil
}

// CanStreamAuth reports whether stream logon is possible.
func (s *Signer) CanStreamAuth() bool { return s.stream != nil }

// SetProbe installs the round trip used by Revalidate.
func (s *Signer) SetProbe(p Probe) {
	s.mu.Lock()
	s.probe = p
	s.mu.Unlock()
}

// Healthy reports the outcome of the last revalidation.
func (s *Signer) Healthy() bool { return s.healthy.Load() }

// Revalidate re-checks local key material and, when a probe is installed, asks the exchange. It is
// triggered by authentication failures.
func (s *Signer) Revalidate(ctx context.Context) error {
	if err := s.cred.validate(); err != nil {
		s.healthy.Store(false)
		return err
	}
	s.mu.Lock()
	probe := s.probe
	s.mu.Unlock()
	if probe == nil {
		return nil
	}
	if err := probe(ctx); err != nil {
		s.healthy.Store(false)
		s.logger.Error("credential revalidation failed", observability.Err(err))
		return errs.New("signer", errs.CodeFatal, errs.WithMessage("credential rejected by exchange"), errs.WithCause(err))
	}
	s.healthy.Store(true)
	s.logger.Info("credential revalidated")
	return nil
}
