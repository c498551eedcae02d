// Package site maintains one forum instance's authenticated session and
// derives its unread and new-topic counts from the message bus and the
// topic tracking state.
package site

import (
	"log/slog"
	"net/http"
	"sync"

	"forumwatch/internal/api"
	"forumwatch/internal/random"
)

// Record is the persisted field set of a Site. ToRecord and FromRecord are
// pure; storage of the encoded form is the manager's concern.
type Record struct {
	AuthToken              string  `json:"authToken"`
	Title                  string  `json:"title"`
	Description            string  `json:"description"`
	Icon                   string  `json:"icon"`
	URL                    string  `json:"url"`
	UnreadNotifications    int     `json:"unreadNotifications"`
	UnreadPrivateMessages  int     `json:"unreadPrivateMessages"`
	LastSeenNotificationID int64   `json:"lastSeenNotificationId"`
	FlagCount              int     `json:"flagCount"`
	QueueCount             int     `json:"queueCount"`
	TotalUnread            int     `json:"totalUnread"`
	TotalNew               int     `json:"totalNew"`
	UserID                 int64   `json:"userId"`
	Username               string  `json:"username"`
	HasPush                bool    `json:"hasPush"`
	IsStaff                bool    `json:"isStaff"`
	APIVersion             int     `json:"apiVersion"`
	ClientID               string  `json:"clientId"`
	HeaderBackgroundColor  string  `json:"headerBackgroundColor"`
	HeaderPrimaryColor     string  `json:"headerPrimaryColor"`
	Topics                 []Topic `json:"topics"`
}

// Site is one tracked forum instance plus its live sync state. All exported
// methods are safe for concurrent use.
type Site struct {
	mu sync.Mutex

	record Record

	// bus state, non-nil only once the bus has been initialised this session
	channels      map[string]int64
	trackingState map[string]TopicState
	messageBusID  string

	// recent-notification comparison set from the notification channel
	recentNotifications []SeenNotification

	background bool

	client *api.Client
	rand   random.Source
	logger *slog.Logger

	httpClient *http.Client
	userAgent  string
}

// Option customises a Site.
type Option func(*Site)

// WithRandomSource substitutes the random source used for bus client ids.
func WithRandomSource(source random.Source) Option {
	return func(s *Site) {
		if source != nil {
			s.rand = source
		}
	}
}

// WithLogger installs a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Site) {
		s.logger = logger
	}
}

// WithHTTPClient substitutes the HTTP transport, primarily for tests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *Site) {
		s.httpClient = httpClient
	}
}

// WithUserAgent overrides the User-Agent sent to this site.
func WithUserAgent(userAgent string) Option {
	return func(s *Site) {
		s.userAgent = userAgent
	}
}

// FromRecord reconstructs a Site from its persisted field set.
func FromRecord(record Record, opts ...Option) *Site {
	s := &Site{record: record, rand: random.NewSource()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	clientOpts := []api.Option{api.WithLogger(s.logger)}
	if s.httpClient != nil {
		clientOpts = append(clientOpts, api.WithHTTPClient(s.httpClient))
	}
	if s.userAgent != "" {
		clientOpts = append(clientOpts, api.WithUserAgent(s.userAgent))
	}
	s.client = api.NewClient(record.URL, s, clientOpts...)
	return s
}

// ToRecord returns the persisted field set.
func (s *Site) ToRecord() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.record
	record.Topics = append([]Topic(nil), s.record.Topics...)
	return record
}

// URL returns the canonical site URL.
func (s *Site) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.URL
}

// Title returns the site title discovered from basic-info.
func (s *Site) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Title
}

// AuthToken implements api.Credentials.
func (s *Site) AuthToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.AuthToken
}

// ClientID implements api.Credentials.
func (s *Site) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.ClientID
}

// Authenticated reports whether the site holds a user API key.
func (s *Site) Authenticated() bool {
	return s.AuthToken() != ""
}

// IsStaff reports whether the authenticated user moderates the site.
func (s *Site) IsStaff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.IsStaff
}

// Logoff clears the authentication and identity fields. Invoked on HTTP 403
// and when a stale API version is detected. The record itself survives; the
// caller may re-authenticate later.
func (s *Site) Logoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoffLocked()
}

func (s *Site) logoffLocked() {
	s.record.AuthToken = ""
	s.record.UserID = 0
	s.record.Username = ""
	s.record.IsStaff = false
}

// EnsureLatestAPI logs the site off when the persisted API version predates
// the minimum the handshake protocol requires.
func (s *Site) EnsureLatestAPI() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record.APIVersion < minimumAPIVersion {
		s.logoffLocked()
	}
}

// SetClientID updates the device client id attached to API requests.
func (s *Site) SetClientID(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.ClientID = clientID
}

// InvalidateAuth clears the token and user id without touching the rest of
// the identity. Used when the installation's client id rotates.
func (s *Site) InvalidateAuth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.AuthToken = ""
	s.record.UserID = 0
}

// Authenticate installs the credentials obtained from a completed handshake.
func (s *Site) Authenticate(authToken string, hasPush bool, apiVersion int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.AuthToken = authToken
	s.record.HasPush = hasPush
	s.record.APIVersion = apiVersion
}

// UnreadCounts returns the pair of badge counts for this site.
func (s *Site) UnreadCounts() (notifications, privateMessages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.UnreadNotifications, s.record.UnreadPrivateMessages
}

// FlagCount returns the staff flag count.
func (s *Site) FlagCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.FlagCount
}

// Totals returns the derived topic totals.
func (s *Site) Totals() (totalUnread, totalNew int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.TotalUnread, s.record.TotalNew
}

// Topics returns the bounded most-recent-first topic list.
func (s *Site) Topics() []Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Topic(nil), s.record.Topics...)
}

// LastSeenNotificationID returns the newest notification id the user has
// seen on this site, used by aggregators to cut off already-seen entries.
func (s *Site) LastSeenNotificationID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.LastSeenNotificationID
}

// ResetBus discards the session's bus state so the next refresh starts a
// fresh subscription. UI-initiated refreshes do this to resynchronise.
func (s *Site) ResetBus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.UserID = 0
	s.record.Username = ""
	s.record.IsStaff = false
	s.trackingState = nil
	s.channels = nil
}

// EnterBackground aborts in-flight requests and shortens request timeouts.
func (s *Site) EnterBackground() {
	s.mu.Lock()
	s.background = true
	s.mu.Unlock()
	s.client.EnterBackground()
}

// ExitBackground restores foreground request timeouts.
func (s *Site) ExitBackground() {
	s.mu.Lock()
	s.background = false
	s.mu.Unlock()
	s.client.ExitBackground()
}
