package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"forumwatch/internal/auth"
	"forumwatch/internal/keys"
	"forumwatch/internal/manager"
	"forumwatch/internal/site"
	"forumwatch/internal/store"
)

type fixedRandom struct{ value string }

func (f fixedRandom) Hex(byteLength int) (string, error) { return f.value, nil }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func unreachableClient() *http.Client {
	return &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("unreachable")
	})}
}

type fixture struct {
	server   *httptest.Server
	manager  *manager.Manager
	provider *keys.Provider
	target   *site.Site
}

func newFixture(t *testing.T, opts ...manager.Option) *fixture {
	t.Helper()
	kv := store.NewMemoryStore()
	provider := keys.NewProvider(kv)
	authenticator := auth.NewAuthenticator(provider,
		auth.WithRandomSource(fixedRandom{value: "noncevalue"}))
	mgr := manager.NewManager(kv, authenticator, opts...)
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	target := site.FromRecord(site.Record{URL: "https://forum.example.com", Title: "Example Forum"},
		site.WithHTTPClient(unreachableClient()))
	if err := mgr.Add(context.Background(), target); err != nil {
		t.Fatalf("add: %v", err)
	}

	srv := httptest.NewServer(New(mgr, Config{}).Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, manager: mgr, provider: provider, target: target}
}

func (f *fixture) encrypt(t *testing.T, payload auth.Payload) string {
	t.Helper()
	pair, err := f.provider.Ensure(context.Background())
	if err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	plaintext, _ := json.Marshal(payload)
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, &pair.Private.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext)
}

func (f *fixture) issueHandshake(t *testing.T) {
	t.Helper()
	if _, err := f.manager.AuthURL(context.Background(), f.target); err != nil {
		t.Fatalf("auth url: %v", err)
	}
}

func TestAuthRedirectAcceptsGrant(t *testing.T) {
	f := newFixture(t)
	f.issueHandshake(t)
	payload := f.encrypt(t, auth.Payload{Nonce: "noncevalue", Key: "granted", API: 4})

	resp, err := http.Get(f.server.URL + "/auth_redirect?payload=" + url.QueryEscape(payload))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("request id header missing")
	}
	if resp.Header.Get("Content-Security-Policy") == "" {
		t.Fatal("security headers missing")
	}
	if !f.target.Authenticated() {
		t.Fatal("target site not authenticated after callback")
	}
}

func TestAuthRedirectRejectsWrongNonce(t *testing.T) {
	f := newFixture(t)
	f.issueHandshake(t)
	payload := f.encrypt(t, auth.Payload{Nonce: "forged", Key: "stolen"})

	resp, err := http.Get(f.server.URL + "/auth_redirect?payload=" + url.QueryEscape(payload))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if f.target.Authenticated() {
		t.Fatal("rejected callback must not authenticate the site")
	}
}

func TestAuthRedirectRequiresPayload(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/auth_redirect")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusReportsSites(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var decoded statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Sites) != 1 || decoded.Sites[0].URL != "https://forum.example.com" {
		t.Fatalf("sites = %+v", decoded.Sites)
	}
	if decoded.Sites[0].Authenticated {
		t.Fatal("site should start unauthenticated")
	}
}

// discoveryClient answers the discovery probes for a site living at finalURL.
func discoveryClient(t *testing.T, finalURL string) *http.Client {
	t.Helper()
	return &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case strings.HasSuffix(req.URL.Path, "/user-api-key/new"):
			final, err := url.Parse(finalURL + "/user-api-key/new")
			if err != nil {
				t.Fatalf("parse final url: %v", err)
			}
			redirected := req.Clone(req.Context())
			redirected.URL = final
			header := http.Header{}
			header.Set("Auth-Api-Version", "4")
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     header,
				Body:       http.NoBody,
				Request:    redirected,
			}, nil
		case strings.HasSuffix(req.URL.Path, "/site/basic-info.json"):
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"title":"New Forum"}`)),
				Request:    req,
			}, nil
		default:
			t.Fatalf("unexpected discovery request %s", req.URL)
			return nil, nil
		}
	})}
}

func TestAddSiteMintsAuthURL(t *testing.T) {
	f := newFixture(t, manager.WithSiteOptions(
		site.WithHTTPClient(discoveryClient(t, "https://forum2.example.com"))))

	resp, err := http.Post(f.server.URL+"/sites", "application/json",
		strings.NewReader(`{"term":"forum2.example.com"}`))
	if err != nil {
		t.Fatalf("add site: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var decoded addSiteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.URL != "https://forum2.example.com" || decoded.Title != "New Forum" {
		t.Fatalf("added site = %+v", decoded)
	}
	parsed, err := url.Parse(decoded.AuthURL)
	if err != nil {
		t.Fatalf("auth url: %v", err)
	}
	if parsed.Query().Get("nonce") != "noncevalue" || parsed.Query().Get("public_key") == "" {
		t.Fatalf("auth url query = %v", parsed.Query())
	}
	if f.manager.SiteForURL("https://forum2.example.com") == nil {
		t.Fatal("added site not tracked")
	}

	// adding the same site twice is a conflict
	dupe, err := http.Post(f.server.URL+"/sites", "application/json",
		strings.NewReader(`{"term":"forum2.example.com"}`))
	if err != nil {
		t.Fatalf("dupe add: %v", err)
	}
	dupe.Body.Close()
	if dupe.StatusCode != http.StatusConflict {
		t.Fatalf("dupe status = %d, want 409", dupe.StatusCode)
	}
}

func TestAddSiteUnreachableHost(t *testing.T) {
	f := newFixture(t, manager.WithSiteOptions(site.WithHTTPClient(unreachableClient())))

	resp, err := http.Post(f.server.URL+"/sites", "application/json",
		strings.NewReader(`{"term":"nowhere.example.com"}`))
	if err != nil {
		t.Fatalf("add site: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestAuthURLForTrackedSite(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/auth_url?site=" + url.QueryEscape("https://forum.example.com"))
	if err != nil {
		t.Fatalf("auth url: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var decoded map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(decoded["authUrl"], "nonce=noncevalue") {
		t.Fatalf("authUrl = %q", decoded["authUrl"])
	}

	missing, err := http.Get(f.server.URL + "/auth_url?site=" + url.QueryEscape("https://other.example.com"))
	if err != nil {
		t.Fatalf("auth url: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown site status = %d, want 404", missing.StatusCode)
	}
}

func TestNotificationsFeed(t *testing.T) {
	f := newFixture(t)

	forum := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/notifications.json") {
			t.Errorf("unexpected request %s", r.URL)
		}
		io.WriteString(w, `{"notifications":[
			{"id":8,"notification_type":1,"read":false,"created_at":"2026-08-30T12:00:00Z"},
			{"id":2,"notification_type":6,"read":false,"created_at":"2026-08-29T12:00:00Z"}
		]}`)
	}))
	defer forum.Close()

	tracked := site.FromRecord(site.Record{URL: forum.URL, AuthToken: "token", UserID: 7},
		site.WithHTTPClient(forum.Client()))
	if err := f.manager.Add(context.Background(), tracked); err != nil {
		t.Fatalf("add: %v", err)
	}

	resp, err := http.Get(f.server.URL + "/notifications")
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var feed []feedEntry
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// the unreachable fixture site is unauthenticated and leaves no gap;
	// the unread private message outranks the newer regular notification
	if len(feed) != 2 || feed[0].ID != 2 || feed[1].ID != 8 {
		t.Fatalf("feed = %+v", feed)
	}
	if feed[0].Site != forum.URL {
		t.Fatalf("feed site = %q", feed[0].Site)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
