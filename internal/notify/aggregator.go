// Package notify merges the notification lists of multiple sites into one
// sorted feed.
package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"forumwatch/internal/site"
)

// Entry is one feed item together with the site it came from.
type Entry struct {
	Site         *site.Site
	Notification site.Notification
}

// Options filters the aggregated feed.
type Options struct {
	// Types keeps only the listed notification types. Empty keeps all.
	Types []int
	// OnlyNew drops notifications each site's user has already seen, using
	// the per-site last-seen notification id as the cutoff.
	OnlyNew bool
}

// Aggregator fetches and merges notification feeds.
type Aggregator struct {
	logger *slog.Logger
}

// Option customises the aggregator.
type Option func(*Aggregator)

// WithLogger installs a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// NewAggregator constructs an aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Collect fetches every authenticated site's notifications concurrently and
// returns one merged feed: unread private messages first, then everything
// else newest first. A single site's failure is logged and leaves a gap, it
// never fails the feed.
func (a *Aggregator) Collect(ctx context.Context, sites []*site.Site, opts Options) []Entry {
	var mu sync.Mutex
	var entries []Entry

	group, groupCtx := errgroup.WithContext(ctx)
	for _, s := range sites {
		if !s.Authenticated() {
			continue
		}
		s := s
		group.Go(func() error {
			siteOpts := site.NotificationOptions{Types: opts.Types}
			if opts.OnlyNew {
				siteOpts.MinID = s.LastSeenNotificationID()
			}
			notifications, err := s.Notifications(groupCtx, siteOpts)
			if err != nil {
				a.logger.Warn("failed to fetch notifications",
					slog.String("site", s.URL()), slog.Any("error", err))
				return nil
			}
			mu.Lock()
			for _, notification := range notifications {
				entries = append(entries, Entry{Site: s, Notification: notification})
			}
			mu.Unlock()
			return nil
		})
	}
	// per-site failures are swallowed above, the group never errors
	_ = group.Wait()

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Notification, entries[j].Notification
		aPM := !a.Read && a.NotificationType == site.NotificationTypePrivateMessage
		bPM := !b.Read && b.NotificationType == site.NotificationTypePrivateMessage
		if aPM != bPM {
			return aPM
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return entries
}
