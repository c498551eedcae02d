package site

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NotificationTypePrivateMessage is the wire type id of a private message
// notification. Unread private messages sort ahead of everything else in
// aggregated feeds.
const NotificationTypePrivateMessage = 6

const recentNotificationLimit = 25

// Notification is one entry of a site's notification list.
type Notification struct {
	ID               int64           `json:"id"`
	NotificationType int             `json:"notification_type"`
	Read             bool            `json:"read"`
	CreatedAt        time.Time       `json:"created_at"`
	TopicID          int64           `json:"topic_id"`
	PostNumber       int             `json:"post_number"`
	Slug             string          `json:"slug"`
	Data             json.RawMessage `json:"data"`
}

// NotificationOptions filters a site's notification list.
type NotificationOptions struct {
	// Types keeps only the listed notification types. Empty keeps all.
	Types []int
	// MinID keeps only notifications with an id above it.
	MinID int64
}

type notificationsResponse struct {
	Notifications []Notification `json:"notifications"`
}

// Notifications fetches the site's recent notification list. Unauthenticated
// sites yield an empty list without a request.
func (s *Site) Notifications(ctx context.Context, opts NotificationOptions) ([]Notification, error) {
	if !s.Authenticated() {
		return nil, nil
	}

	var response notificationsResponse
	path := fmt.Sprintf("/notifications.json?recent=true&limit=%d&silent=true", recentNotificationLimit)
	if err := s.jsonAPI(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}

	filtered := make([]Notification, 0, len(response.Notifications))
	for _, notification := range response.Notifications {
		if opts.MinID > 0 && notification.ID <= opts.MinID {
			continue
		}
		if len(opts.Types) > 0 && !containsType(opts.Types, notification.NotificationType) {
			continue
		}
		filtered = append(filtered, notification)
	}
	return filtered, nil
}

func containsType(types []int, notificationType int) bool {
	for _, t := range types {
		if t == notificationType {
			return true
		}
	}
	return false
}
