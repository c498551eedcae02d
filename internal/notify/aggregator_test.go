package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"forumwatch/internal/site"
)

func notificationServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notifications.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, body)
	}))
}

func TestCollectMergesAndSorts(t *testing.T) {
	serverA := notificationServer(t, `{"notifications":[
		{"id":1,"notification_type":2,"read":false,"created_at":"2026-08-29T10:00:00Z"},
		{"id":2,"notification_type":6,"read":false,"created_at":"2026-08-28T08:00:00Z"}
	]}`)
	defer serverA.Close()
	serverB := notificationServer(t, `{"notifications":[
		{"id":9,"notification_type":5,"read":true,"created_at":"2026-08-30T12:00:00Z"},
		{"id":8,"notification_type":6,"read":true,"created_at":"2026-08-27T09:00:00Z"}
	]}`)
	defer serverB.Close()

	siteA := site.FromRecord(site.Record{URL: serverA.URL, AuthToken: "t"}, site.WithHTTPClient(serverA.Client()))
	siteB := site.FromRecord(site.Record{URL: serverB.URL, AuthToken: "t"}, site.WithHTTPClient(serverB.Client()))

	feed := NewAggregator().Collect(context.Background(), []*site.Site{siteA, siteB}, Options{})
	if len(feed) != 4 {
		t.Fatalf("feed length = %d, want 4", len(feed))
	}
	// the unread private message leads even though it is older
	if feed[0].Notification.ID != 2 || feed[0].Site != siteA {
		t.Fatalf("feed head = %+v", feed[0])
	}
	// the rest follow newest first; a read private message gets no priority
	wantOrder := []int64{2, 9, 1, 8}
	for i, want := range wantOrder {
		if feed[i].Notification.ID != want {
			t.Fatalf("feed[%d].ID = %d, want %d", i, feed[i].Notification.ID, want)
		}
	}
}

func TestCollectOnlyNewUsesSeenCutoff(t *testing.T) {
	server := notificationServer(t, `{"notifications":[
		{"id":12,"notification_type":2,"read":false,"created_at":"2026-08-30T10:00:00Z"},
		{"id":10,"notification_type":2,"read":false,"created_at":"2026-08-29T10:00:00Z"},
		{"id":7,"notification_type":2,"read":false,"created_at":"2026-08-28T10:00:00Z"}
	]}`)
	defer server.Close()

	s := site.FromRecord(site.Record{URL: server.URL, AuthToken: "t", LastSeenNotificationID: 10},
		site.WithHTTPClient(server.Client()))

	feed := NewAggregator().Collect(context.Background(), []*site.Site{s}, Options{OnlyNew: true})
	if len(feed) != 1 || feed[0].Notification.ID != 12 {
		t.Fatalf("feed = %+v, want only id 12", feed)
	}
}

func TestCollectSkipsUnauthenticatedAndFailedSites(t *testing.T) {
	healthy := notificationServer(t, `{"notifications":[
		{"id":1,"notification_type":2,"read":false,"created_at":"2026-08-30T10:00:00Z"}
	]}`)
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	sites := []*site.Site{
		site.FromRecord(site.Record{URL: healthy.URL, AuthToken: "t"}, site.WithHTTPClient(healthy.Client())),
		site.FromRecord(site.Record{URL: failing.URL, AuthToken: "t"}, site.WithHTTPClient(failing.Client())),
		site.FromRecord(site.Record{URL: "https://unauthenticated.example.com"}),
	}

	start := time.Now()
	feed := NewAggregator().Collect(context.Background(), sites, Options{})
	if len(feed) != 1 {
		t.Fatalf("feed length = %d, want 1", len(feed))
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("collection took unexpectedly long")
	}
}

func TestCollectFiltersTypes(t *testing.T) {
	server := notificationServer(t, `{"notifications":[
		{"id":1,"notification_type":2,"read":false,"created_at":"2026-08-30T10:00:00Z"},
		{"id":2,"notification_type":6,"read":false,"created_at":"2026-08-30T11:00:00Z"}
	]}`)
	defer server.Close()

	s := site.FromRecord(site.Record{URL: server.URL, AuthToken: "t"}, site.WithHTTPClient(server.Client()))
	feed := NewAggregator().Collect(context.Background(), []*site.Site{s},
		Options{Types: []int{site.NotificationTypePrivateMessage}})
	if len(feed) != 1 || feed[0].Notification.ID != 2 {
		t.Fatalf("feed = %+v, want only the private message", feed)
	}
}
