// Package manager owns the ordered collection of tracked sites: it loads and
// persists them, serialises aggregate refresh cycles across them, routes
// authentication callbacks to the right site, and publishes change and
// refresh events to subscribers.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"forumwatch/internal/auth"
	"forumwatch/internal/random"
	"forumwatch/internal/site"
	"forumwatch/internal/store"
)

const (
	// refreshDebounce suppresses non-UI refreshes that follow a previous
	// cycle too closely.
	refreshDebounce = 10 * time.Second

	// staleRefreshAfter is how long a running cycle may hold the
	// refreshing flag before a new cycle overrides it. The flag is
	// advisory: a wedged refresh must not block the manager forever.
	staleRefreshAfter = time.Minute

	// backgroundSettleWait bounds how long EnterBackground lets an
	// in-flight refresh settle before parking the sites anyway.
	backgroundSettleWait = 20 * time.Second

	clientIDBytes = 32
)

// ErrDupeSite is returned by Add when the site's URL is already tracked.
var ErrDupeSite = site.ErrDupeSite

// BadgeUpdater receives the aggregate unread count for display outside the
// app, typically an application icon badge.
type BadgeUpdater interface {
	SetBadgeCount(count int)
}

// RefreshSitesOptions selects the aggregate refresh mode.
type RefreshSitesOptions struct {
	// UI marks a user-initiated refresh: it bypasses the debounce and
	// resets each site's bus subscription so state is rebuilt.
	UI bool
	// Fast performs bus-only per-site refreshes.
	Fast bool
	// Background marks a scheduled background cycle.
	Background bool
	// Force bypasses the debounce without resetting bus state.
	Force bool
}

// RefreshOutcome is the settled result of one aggregate refresh cycle.
type RefreshOutcome struct {
	Changed bool
	Alerts  []site.Alert
}

// Manager coordinates all tracked sites. All exported methods are safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	sites    []*site.Site
	clientID string

	refreshing       bool
	lastRefreshStart time.Time
	lastRefresh      time.Time
	background       bool

	kv     store.KV
	auth   *auth.Authenticator
	rand   random.Source
	logger *slog.Logger
	badge  BadgeUpdater
	events *eventBus

	siteOpts []site.Option
}

// Option customises the manager.
type Option func(*Manager)

// WithLogger installs a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRandomSource substitutes the client-id source.
func WithRandomSource(source random.Source) Option {
	return func(m *Manager) {
		if source != nil {
			m.rand = source
		}
	}
}

// WithBadgeUpdater forwards aggregate unread counts to an external badge.
func WithBadgeUpdater(badge BadgeUpdater) Option {
	return func(m *Manager) {
		m.badge = badge
	}
}

// WithSiteOptions supplies options applied to every site the manager
// constructs from persisted records.
func WithSiteOptions(opts ...site.Option) Option {
	return func(m *Manager) {
		m.siteOpts = opts
	}
}

// NewManager constructs a manager persisting through kv and authenticating
// through authenticator.
func NewManager(kv store.KV, authenticator *auth.Authenticator, opts ...Option) *Manager {
	m := &Manager{
		kv:     kv,
		auth:   authenticator,
		rand:   random.NewSource(),
		events: newEventBus(0),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Load restores the persisted site collection and the installation client
// id, generating the latter on first run. Sites carrying a stale API version
// are logged off so the user re-authenticates.
func (m *Manager) Load(ctx context.Context) error {
	clientID, err := m.ensureClientID(ctx)
	if err != nil {
		return err
	}

	raw, err := m.kv.Get(ctx, store.KeySites)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load sites: %w", err)
	}

	var records []site.Record
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &records); err != nil {
			return fmt.Errorf("decode sites: %w", err)
		}
	}

	sites := make([]*site.Site, 0, len(records))
	for _, record := range records {
		record.ClientID = clientID
		s := site.FromRecord(record, m.siteOpts...)
		s.EnsureLatestAPI()
		sites = append(sites, s)
	}

	lastRefresh := time.Time{}
	if raw, err := m.kv.Get(ctx, store.KeyLastRefresh); err == nil {
		if parsed, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
			lastRefresh = parsed
		}
	}

	m.mu.Lock()
	m.clientID = clientID
	m.sites = sites
	m.lastRefresh = lastRefresh
	m.mu.Unlock()

	m.logger.Info("sites loaded", slog.Int("count", len(sites)))
	m.events.publish(Event{Type: EventChange})
	return nil
}

func (m *Manager) ensureClientID(ctx context.Context) (string, error) {
	raw, err := m.kv.Get(ctx, store.KeyClientID)
	if err == nil && len(raw) > 0 {
		return string(raw), nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load client id: %w", err)
	}

	id, err := m.rand.Hex(clientIDBytes)
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	if err := m.kv.Set(ctx, store.KeyClientID, []byte(id)); err != nil {
		return "", fmt.Errorf("persist client id: %w", err)
	}
	return id, nil
}

// Save persists the current site collection and updates the badge.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	records := make([]site.Record, 0, len(m.sites))
	for _, s := range m.sites {
		records = append(records, s.ToRecord())
	}
	m.mu.Unlock()

	encoded, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode sites: %w", err)
	}
	if err := m.kv.Set(ctx, store.KeySites, encoded); err != nil {
		return fmt.Errorf("persist sites: %w", err)
	}

	m.updateBadge()
	m.events.publish(Event{Type: EventChange})
	return nil
}

// Sites returns a snapshot of the tracked sites in display order.
func (m *Manager) Sites() []*site.Site {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*site.Site(nil), m.sites...)
}

// SiteCount returns the number of tracked sites.
func (m *Manager) SiteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sites)
}

// Exists reports whether a site with the same URL is already tracked.
func (m *Manager) Exists(s *site.Site) bool {
	return m.SiteForURL(s.URL()) != nil
}

// SiteForURL returns the tracked site with the given canonical URL, or nil.
func (m *Manager) SiteForURL(url string) *site.Site {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sites {
		if s.URL() == url {
			return s
		}
	}
	return nil
}

// SiteFromTerm discovers a site from free-form user input, applying the
// manager's site options so the result matches sites built on load.
func (m *Manager) SiteFromTerm(ctx context.Context, term string) (*site.Site, error) {
	return site.FromTerm(ctx, term, m.siteOpts...)
}

// Add appends a site to the collection and persists. Duplicate URLs are
// rejected with ErrDupeSite.
func (m *Manager) Add(ctx context.Context, s *site.Site) error {
	m.mu.Lock()
	for _, existing := range m.sites {
		if existing.URL() == s.URL() {
			m.mu.Unlock()
			return ErrDupeSite
		}
	}
	s.SetClientID(m.clientID)
	m.sites = append(m.sites, s)
	m.mu.Unlock()

	m.logger.Info("site added", slog.String("site", s.URL()))
	return m.Save(ctx)
}

// Remove drops a site from the collection, best-effort revokes its server
// side API key, and persists. Removal always succeeds locally regardless of
// the revoke outcome.
func (m *Manager) Remove(ctx context.Context, s *site.Site) error {
	m.mu.Lock()
	index := -1
	for i, existing := range m.sites {
		if existing == s {
			index = i
			break
		}
	}
	if index < 0 {
		m.mu.Unlock()
		return nil
	}
	m.sites = append(m.sites[:index], m.sites[index+1:]...)
	m.mu.Unlock()

	if s.Authenticated() {
		if err := s.RevokeAPIKey(ctx); err != nil {
			m.logger.Warn("failed to revoke api key",
				slog.String("site", s.URL()), slog.Any("error", err))
		}
	}

	m.logger.Info("site removed", slog.String("site", s.URL()))
	return m.Save(ctx)
}

// UpdateOrder moves the site at position from to position to and persists
// the new display order.
func (m *Manager) UpdateOrder(ctx context.Context, from, to int) error {
	m.mu.Lock()
	if from < 0 || from >= len(m.sites) || to < 0 || to >= len(m.sites) {
		m.mu.Unlock()
		return fmt.Errorf("move %d to %d out of range", from, to)
	}
	moved := m.sites[from]
	m.sites = append(m.sites[:from], m.sites[from+1:]...)
	m.sites = append(m.sites[:to], append([]*site.Site{moved}, m.sites[to:]...)...)
	m.mu.Unlock()
	return m.Save(ctx)
}

// TotalUnread sums the badge counts of every authenticated site, including
// staff flag counts.
func (m *Manager) TotalUnread() int {
	m.mu.Lock()
	sites := append([]*site.Site(nil), m.sites...)
	m.mu.Unlock()

	count := 0
	for _, s := range sites {
		if !s.Authenticated() {
			continue
		}
		notifications, pms := s.UnreadCounts()
		count += notifications + pms
		if s.IsStaff() {
			count += s.FlagCount()
		}
	}
	return count
}

// Subscribe registers an event stream. Callers must Close the subscription
// when done.
func (m *Manager) Subscribe() Subscription {
	return m.events.subscribe()
}

// LastRefresh returns when an aggregate refresh last settled with at least
// one site reachable.
func (m *Manager) LastRefresh() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRefresh
}

// RefreshSites refreshes every site concurrently and settles once all per
// site refreshes have finished. A single site's failure never aborts the
// cycle. Overlapping cycles are coalesced unless the running one is stale.
func (m *Manager) RefreshSites(ctx context.Context, opts RefreshSitesOptions) RefreshOutcome {
	m.mu.Lock()
	if m.background && !opts.Background {
		m.mu.Unlock()
		m.logger.Debug("skipping refresh while backgrounded")
		return RefreshOutcome{}
	}
	sites := append([]*site.Site(nil), m.sites...)
	if len(sites) == 0 {
		m.mu.Unlock()
		return RefreshOutcome{}
	}

	sinceLastStart := time.Since(m.lastRefreshStart)
	if !opts.Force && !opts.UI && !m.lastRefreshStart.IsZero() && sinceLastStart < refreshDebounce {
		m.mu.Unlock()
		m.logger.Debug("refresh debounced", slog.Duration("since", sinceLastStart))
		return RefreshOutcome{}
	}
	if m.refreshing {
		if sinceLastStart < staleRefreshAfter {
			m.mu.Unlock()
			m.logger.Debug("refresh already in flight")
			return RefreshOutcome{}
		}
		m.logger.Warn("previous refresh never settled, overriding",
			slog.Duration("age", sinceLastStart))
	}
	m.refreshing = true
	m.lastRefreshStart = time.Now()
	background := m.background
	m.mu.Unlock()

	var resultMu sync.Mutex
	outcome := RefreshOutcome{}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, s := range sites {
		s := s
		group.Go(func() error {
			if opts.UI {
				s.ResetBus()
			}
			if opts.Background {
				s.ExitBackground()
			}
			result := s.Refresh(groupCtx, site.RefreshOptions{
				Fast:       opts.Fast,
				Background: opts.Background,
			})
			if background {
				s.EnterBackground()
			}

			resultMu.Lock()
			outcome.Changed = outcome.Changed || result.Changed
			outcome.Alerts = append(outcome.Alerts, result.Alerts...)
			resultMu.Unlock()
			return nil
		})
	}
	// per-site failures are swallowed inside Refresh, the group never errors
	_ = group.Wait()

	m.mu.Lock()
	m.refreshing = false
	m.lastRefresh = time.Now()
	lastRefresh := m.lastRefresh
	background = m.background
	m.mu.Unlock()

	if !background {
		// Quiet cycles leave the persisted site list alone; Save also
		// notifies change subscribers, so persisting unconditionally
		// would report state changes that never happened.
		if outcome.Changed {
			if err := m.Save(ctx); err != nil {
				m.logger.Warn("failed to persist after refresh", slog.Any("error", err))
			}
		}
		if err := m.kv.Set(ctx, store.KeyLastRefresh,
			[]byte(lastRefresh.Format(time.RFC3339Nano))); err != nil {
			m.logger.Warn("failed to persist refresh time", slog.Any("error", err))
		}
	} else if outcome.Changed {
		m.updateBadge()
		m.events.publish(Event{Type: EventChange})
	}

	m.events.publish(Event{Type: EventRefresh, Alerts: outcome.Alerts})
	return outcome
}

// EnterBackground runs one last forced refresh, then aborts in-flight site
// requests and shortens their timeouts.
func (m *Manager) EnterBackground(ctx context.Context) {
	deadline := time.Now().Add(backgroundSettleWait)
	for m.isRefreshing() && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(250 * time.Millisecond)
	}

	if !m.isRefreshing() {
		m.RefreshSites(ctx, RefreshSitesOptions{Background: true, Force: true})
	}

	m.mu.Lock()
	m.background = true
	sites := append([]*site.Site(nil), m.sites...)
	m.mu.Unlock()
	for _, s := range sites {
		s.EnterBackground()
	}
}

// ExitBackground restores foreground timeouts and nudges subscribers in case
// displayed state went stale while backgrounded.
func (m *Manager) ExitBackground() {
	m.mu.Lock()
	m.background = false
	sites := append([]*site.Site(nil), m.sites...)
	m.mu.Unlock()
	for _, s := range sites {
		s.ExitBackground()
	}
	m.events.publish(Event{Type: EventChange})
	m.events.publish(Event{Type: EventRefresh})
}

// RegisterClientID installs a new installation client id. A changed id is
// treated as a new installation: every site's credentials are invalidated so
// the user re-authenticates.
func (m *Manager) RegisterClientID(ctx context.Context, id string) error {
	m.mu.Lock()
	existing := m.clientID
	sites := append([]*site.Site(nil), m.sites...)
	m.clientID = id
	m.mu.Unlock()

	for _, s := range sites {
		s.SetClientID(id)
	}
	if existing == id {
		return nil
	}

	m.logger.Info("client id rotated, invalidating site credentials")
	if err := m.kv.Set(ctx, store.KeyClientID, []byte(id)); err != nil {
		return fmt.Errorf("persist client id: %w", err)
	}
	for _, s := range sites {
		s.InvalidateAuth()
	}
	return m.Save(ctx)
}

// AuthURL builds the grant URL for a site using the installation client id.
func (m *Manager) AuthURL(ctx context.Context, s *site.Site) (string, error) {
	m.mu.Lock()
	clientID := m.clientID
	m.mu.Unlock()
	return m.auth.AuthURL(ctx, s, clientID)
}

// HandleAuthPayload routes an inbound authentication callback to the pending
// site, persists the granted credentials, notifies subscribers immediately,
// and refreshes the site in the background.
func (m *Manager) HandleAuthPayload(ctx context.Context, payload string) (*site.Site, error) {
	granted, err := m.auth.HandleAuthPayload(ctx, payload)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	clientID := m.clientID
	m.mu.Unlock()
	granted.SetClientID(clientID)

	if err := m.Save(ctx); err != nil {
		m.logger.Warn("failed to persist after authentication", slog.Any("error", err))
	}

	go func() {
		result := granted.Refresh(context.Background(), site.RefreshOptions{})
		if result.Changed {
			if err := m.Save(context.Background()); err != nil {
				m.logger.Warn("failed to persist after refresh", slog.Any("error", err))
			}
		}
	}()
	return granted, nil
}

func (m *Manager) isRefreshing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshing
}

func (m *Manager) updateBadge() {
	if m.badge == nil {
		return
	}
	m.badge.SetBadgeCount(m.TotalUnread())
}
