package site

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoadTopics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/top/quarterly.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		topics := make([]map[string]any, 0, 12)
		for i := 1; i <= 12; i++ {
			topics = append(topics, map[string]any{
				"id":           i,
				"title":        fmt.Sprintf("Topic %d", i),
				"unseen":       i == 1,
				"unread_posts": i,
				"posters": []map[string]any{
					{"user_id": 1, "extras": "latest"},
					{"user_id": 2, "extras": nil},
				},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"users": []map[string]any{
				{"id": 1, "username": "sam", "avatar_template": "/avatars/{size}/sam.png"},
				{"id": 2, "username": "kim", "avatar_template": "/avatars/{size}/kim.png"},
			},
			"topic_list": map[string]any{"topics": topics},
		})
	}))
	defer server.Close()

	s := FromRecord(Record{URL: server.URL, AuthToken: "token"}, WithHTTPClient(server.Client()))
	if err := s.LoadTopics(context.Background()); err != nil {
		t.Fatalf("load topics: %v", err)
	}

	topics := s.Topics()
	if len(topics) != maxTopics {
		t.Fatalf("topics = %d, want %d", len(topics), maxTopics)
	}
	first := topics[0]
	if first.ID != 1 || first.Title != "Topic 1" || !first.New || first.UnreadPosts != 1 {
		t.Fatalf("first topic = %+v", first)
	}
	want := server.URL + "/avatars/120/sam.png"
	if first.MostRecentPosterAvatar != want {
		t.Fatalf("avatar = %q, want %q", first.MostRecentPosterAvatar, want)
	}
}
