package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"forumwatch/internal/api"
)

// RefreshOptions selects the refresh mode.
type RefreshOptions struct {
	// Fast polls the message bus only and skips the full counter fetch.
	Fast bool
	// Background marks a scheduled background task. It does not change the
	// refresh path; requests issued while the app is backgrounded already
	// run with the short timeouts.
	Background bool
}

// RefreshResult reports whether a refresh changed any user-visible state.
type RefreshResult struct {
	Changed bool
	Alerts  []Alert
}

type currentUser struct {
	ID                    int64  `json:"id"`
	Username              string `json:"username"`
	Admin                 bool   `json:"admin"`
	Moderator             bool   `json:"moderator"`
	UnreadNotifications   int    `json:"unread_notifications"`
	UnreadPrivateMessages int    `json:"unread_private_messages"`
	SeenNotificationID    int64  `json:"seen_notification_id"`
	PostQueueNewCount     int    `json:"post_queue_new_count"`
}

type sessionResponse struct {
	CurrentUser currentUser `json:"current_user"`
}

type trackingEntry struct {
	TopicID            int64  `json:"topic_id"`
	HighestPostNumber  int    `json:"highest_post_number"`
	LastReadPostNumber *int   `json:"last_read_post_number"`
	NotificationLevel  *int   `json:"notification_level"`
	Archetype          string `json:"archetype"`
}

// jsonAPI routes through the short-timeout background variant while the app
// is backgrounded so scheduled tasks aren't rejected.
func (s *Site) jsonAPI(ctx context.Context, method, path string, body, out any) error {
	s.mu.Lock()
	background := s.background
	s.mu.Unlock()
	if background {
		return s.client.BackgroundJSON(ctx, method, path, body, out)
	}
	return s.client.JSON(ctx, method, path, body, out)
}

// Refresh brings the site's counters up to date. It never returns an error:
// transient failures leave the cached state untouched and report no change.
func (s *Site) Refresh(ctx context.Context, opts RefreshOptions) RefreshResult {
	if !s.Authenticated() {
		return RefreshResult{}
	}

	wasReady, err := s.InitBus(ctx)
	if err != nil {
		s.refreshWarn("bus initialisation failed", err)
		return RefreshResult{}
	}

	if opts.Fast || !wasReady {
		changes, err := s.CheckBus(ctx)
		if err != nil {
			s.refreshWarn("bus poll failed", err)
			return RefreshResult{}
		}
		if !wasReady {
			// fresh subscription, follow up with a full counter fetch
			s.UpdateTotals()
			s.Refresh(ctx, RefreshOptions{Background: opts.Background})
			return RefreshResult{Changed: true, Alerts: changes.Alerts}
		}
		changed := s.UpdateTotals() || changes.Notifications || changes.Totals
		return RefreshResult{Changed: changed, Alerts: changes.Alerts}
	}

	changed, err := s.fetchCurrentUser(ctx)
	if err != nil {
		s.refreshWarn("counter fetch failed", err)
		return RefreshResult{}
	}
	return RefreshResult{Changed: changed}
}

// fetchCurrentUser pulls /session/current.json and folds the counters into
// the record. A revoked key degrades to an empty user so the cleared state
// still registers as a change.
func (s *Site) fetchCurrentUser(ctx context.Context) (bool, error) {
	var session sessionResponse
	err := s.jsonAPI(ctx, http.MethodGet, "/session/current.json", nil, &session)
	if err != nil && !errors.Is(err, api.ErrAuthRevoked) {
		return false, err
	}
	user := session.CurrentUser

	s.mu.Lock()
	defer s.mu.Unlock()

	isStaff := user.Admin || user.Moderator
	changed := s.record.UserID != user.ID ||
		s.record.Username != user.Username ||
		s.record.IsStaff != isStaff
	changed = s.updateTotalsLocked() || changed

	s.record.UserID = user.ID
	s.record.Username = user.Username
	s.record.IsStaff = isStaff

	// older API versions omit the seen id, keep the cached one then
	if user.SeenNotificationID != 0 {
		s.record.LastSeenNotificationID = user.SeenNotificationID
	}

	if s.record.UnreadNotifications != user.UnreadNotifications {
		s.record.UnreadNotifications = user.UnreadNotifications
		changed = true
	}
	if s.record.UnreadPrivateMessages != user.UnreadPrivateMessages {
		s.record.UnreadPrivateMessages = user.UnreadPrivateMessages
		changed = true
	}
	if isStaff {
		if s.record.FlagCount != user.PostQueueNewCount {
			s.record.FlagCount = user.PostQueueNewCount
			changed = true
		}
		if s.record.QueueCount != user.PostQueueNewCount {
			s.record.QueueCount = user.PostQueueNewCount
			changed = true
		}
	}
	return changed, nil
}

// InitBus establishes the message-bus subscription for this session. It
// reports wasReady true when the subscription already existed.
func (s *Site) InitBus(ctx context.Context) (wasReady bool, err error) {
	s.mu.Lock()
	ready := s.channels != nil && s.trackingState != nil
	s.mu.Unlock()
	if ready {
		return true, nil
	}

	if err := s.getUserInfo(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	channels := map[string]int64{
		"/delete":  -1,
		"/recover": -1,
		"/new":     -1,
		"/latest":  -1,
		"__seq":    1,
	}
	channels[fmt.Sprintf("/notification/%d", s.record.UserID)] = -1
	channels[fmt.Sprintf("/notification-alert/%d", s.record.UserID)] = -1
	channels[fmt.Sprintf("/unread/%d", s.record.UserID)] = -1
	if s.record.IsStaff {
		channels["/flagged_counts"] = -1
		channels["/queue_counts"] = -1
	}
	// install a copy so the seed poll can encode its map without holding
	// the lock while concurrent messages advance the live positions
	seeded := make(map[string]int64, len(channels))
	for channel, position := range channels {
		seeded[channel] = position
	}
	s.channels = seeded
	username := s.record.Username
	s.mu.Unlock()

	// the seed poll records current channel positions
	messages, err := s.messageBus(ctx, channels)
	if err != nil {
		s.mu.Lock()
		s.channels = nil
		s.mu.Unlock()
		return false, err
	}
	s.ProcessMessages(messages)

	var entries []trackingEntry
	path := fmt.Sprintf("/users/%s/topic-tracking-state.json", username)
	if err := s.jsonAPI(ctx, http.MethodGet, path, nil, &entries); err != nil {
		s.mu.Lock()
		s.channels = nil
		s.mu.Unlock()
		return false, err
	}

	s.mu.Lock()
	s.trackingState = make(map[string]TopicState, len(entries))
	for _, entry := range entries {
		s.trackingState[trackingKey(entry.TopicID)] = TopicState{
			TopicID:            entry.TopicID,
			Archetype:          entry.Archetype,
			NotificationLevel:  entry.NotificationLevel,
			LastReadPostNumber: entry.LastReadPostNumber,
			HighestPostNumber:  entry.HighestPostNumber,
		}
	}
	s.mu.Unlock()
	return false, nil
}

// CheckBus polls the message bus once and applies whatever arrived.
func (s *Site) CheckBus(ctx context.Context) (Result, error) {
	s.mu.Lock()
	channels := make(map[string]int64, len(s.channels))
	for channel, position := range s.channels {
		channels[channel] = position
	}
	s.mu.Unlock()

	messages, err := s.messageBus(ctx, channels)
	if err != nil {
		return Result{}, err
	}
	return s.ProcessMessages(messages), nil
}

// messageBus performs one long-poll-disabled poll against the site's bus.
func (s *Site) messageBus(ctx context.Context, channels map[string]int64) ([]BusMessage, error) {
	s.mu.Lock()
	if s.messageBusID == "" {
		id, err := s.rand.Hex(16)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("bus client id: %w", err)
		}
		s.messageBusID = id
	}
	busID := s.messageBusID
	s.mu.Unlock()

	var messages []BusMessage
	path := fmt.Sprintf("/message-bus/%s/poll?dlp=t", busID)
	if err := s.jsonAPI(ctx, http.MethodPost, path, channels, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// getUserInfo resolves the authenticated user's identity, fetching it once
// per session.
func (s *Site) getUserInfo(ctx context.Context) error {
	s.mu.Lock()
	known := s.record.UserID != 0 && s.record.Username != ""
	s.mu.Unlock()
	if known {
		return nil
	}

	var session sessionResponse
	if err := s.jsonAPI(ctx, http.MethodGet, "/session/current.json", nil, &session); err != nil {
		return err
	}
	user := session.CurrentUser
	if user.ID == 0 {
		return fmt.Errorf("site %s returned no current user", s.URL())
	}

	s.mu.Lock()
	s.record.UserID = user.ID
	s.record.Username = user.Username
	s.record.IsStaff = user.Admin || user.Moderator
	s.mu.Unlock()
	return nil
}

// UpdateTotals recomputes the derived topic totals from the tracking state
// and reports whether they moved.
func (s *Site) UpdateTotals() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateTotalsLocked()
}

func (s *Site) updateTotalsLocked() bool {
	var totalUnread, totalNew int
	for _, state := range s.trackingState {
		if state.Deleted || state.Archetype == archetypePrivateMessage {
			continue
		}
		if state.IsNew() {
			totalNew++
		} else if state.IsUnread() {
			totalUnread++
		}
	}
	changed := s.record.TotalUnread != totalUnread || s.record.TotalNew != totalNew
	s.record.TotalUnread = totalUnread
	s.record.TotalNew = totalNew
	return changed
}

// RevokeAPIKey asks the site to revoke the user API key and clears the local
// credentials regardless of the outcome.
func (s *Site) RevokeAPIKey(ctx context.Context) error {
	err := s.jsonAPI(ctx, http.MethodPost, "/user-api-key/revoke", nil, nil)
	s.Logoff()
	if err != nil && !errors.Is(err, api.ErrAuthRevoked) {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}

func (s *Site) refreshWarn(msg string, err error) {
	if errors.Is(err, api.ErrBackgrounded) || errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Debug(msg, slog.String("site", s.URL()), slog.Any("error", err))
}
