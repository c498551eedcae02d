// Package auth performs the public-key authentication handshake: it builds
// the outbound grant URL a user visits in a browser and accepts the
// encrypted payload the site hands back through the redirect.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"forumwatch/internal/keys"
	"forumwatch/internal/random"
	"forumwatch/internal/site"
)

const (
	// DefaultRedirectURL is where the granting site sends the encrypted
	// payload. The local callback server registers this scheme-less form.
	DefaultRedirectURL = "forumwatch://auth_redirect"

	// DefaultApplicationName labels the issued key in the site's UI.
	DefaultApplicationName = "Forumwatch"

	// grantScopes is the fixed permission set requested from every site.
	grantScopes = "notifications,session_info"

	nonceBytes = 16
)

// ErrNonceMismatch is returned when an inbound payload does not carry the
// nonce of the pending handshake. The target site is left untouched; the
// user should restart the grant flow.
var ErrNonceMismatch = errors.New("auth: unexpected reply, please try again")

// ErrNoPendingHandshake is returned when a payload arrives with no handshake
// in flight.
var ErrNoPendingHandshake = errors.New("auth: no handshake pending")

// Payload is the decrypted body of an authentication callback.
type Payload struct {
	Nonce string `json:"nonce"`
	Key   string `json:"key"`
	Push  bool   `json:"push"`
	API   int    `json:"api"`
}

// Authenticator drives the handshake. At most one handshake is pending at a
// time; issuing a new URL invalidates the previous nonce.
type Authenticator struct {
	mu     sync.Mutex
	nonce  string
	target *site.Site

	keys     *keys.Provider
	rand     random.Source
	logger   *slog.Logger
	appName  string
	pushURL  string
	redirect string
}

// Option customises the authenticator.
type Option func(*Authenticator)

// WithRandomSource substitutes the nonce source.
func WithRandomSource(source random.Source) Option {
	return func(a *Authenticator) {
		if source != nil {
			a.rand = source
		}
	}
}

// WithLogger installs a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// WithApplicationName sets the name shown on the site's grant screen.
func WithApplicationName(name string) Option {
	return func(a *Authenticator) {
		if name != "" {
			a.appName = name
		}
	}
}

// WithPushURL advertises a push relay to the granting site. Empty means no
// push registration is requested.
func WithPushURL(pushURL string) Option {
	return func(a *Authenticator) {
		a.pushURL = pushURL
	}
}

// WithRedirectURL overrides where the site sends the callback.
func WithRedirectURL(redirect string) Option {
	return func(a *Authenticator) {
		if redirect != "" {
			a.redirect = redirect
		}
	}
}

// NewAuthenticator constructs an authenticator backed by the given key
// provider.
func NewAuthenticator(provider *keys.Provider, opts ...Option) *Authenticator {
	a := &Authenticator{
		keys:     provider,
		rand:     random.NewSource(),
		appName:  DefaultApplicationName,
		redirect: DefaultRedirectURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// AuthURL issues a fresh nonce bound to target and returns the grant URL the
// user must visit. Any previously pending handshake is discarded.
func (a *Authenticator) AuthURL(ctx context.Context, target *site.Site, clientID string) (string, error) {
	pair, err := a.keys.Ensure(ctx)
	if err != nil {
		return "", fmt.Errorf("ensure key pair: %w", err)
	}
	nonce, err := a.rand.Hex(nonceBytes)
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	a.mu.Lock()
	a.nonce = nonce
	a.target = target
	a.mu.Unlock()

	params := url.Values{}
	params.Set("scopes", grantScopes)
	params.Set("client_id", clientID)
	params.Set("nonce", nonce)
	params.Set("auth_redirect", a.redirect)
	params.Set("application_name", a.appName)
	params.Set("public_key", pair.PublicPEM)
	if a.pushURL != "" {
		params.Set("push_url", a.pushURL)
	}

	authURL := target.URL() + "/user-api-key/new?" + params.Encode()
	a.logger.Debug("issued auth url", slog.String("site", target.URL()))
	return authURL, nil
}

// HandleAuthPayload decrypts an inbound callback payload and, when its nonce
// matches the pending handshake, installs the granted credentials on the
// target site. The pending handshake is consumed on success.
func (a *Authenticator) HandleAuthPayload(ctx context.Context, payload string) (*site.Site, error) {
	plaintext, err := a.keys.Decrypt(ctx, payload)
	if err != nil {
		// deep links deliver the payload still percent-encoded
		unescaped, uerr := url.QueryUnescape(payload)
		if uerr != nil || unescaped == payload {
			return nil, fmt.Errorf("decrypt payload: %w", err)
		}
		plaintext, err = a.keys.Decrypt(ctx, unescaped)
		if err != nil {
			return nil, fmt.Errorf("decrypt payload: %w", err)
		}
	}
	var decoded Payload
	if err := json.Unmarshal(plaintext, &decoded); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.target == nil {
		return nil, ErrNoPendingHandshake
	}
	if decoded.Nonce != a.nonce {
		return nil, ErrNonceMismatch
	}

	target := a.target
	target.Authenticate(decoded.Key, decoded.Push, decoded.API)
	a.nonce = ""
	a.target = nil

	a.logger.Info("site authenticated", slog.String("site", target.URL()))
	return target, nil
}
