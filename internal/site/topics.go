package site

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// maxTopics bounds the stored per-site topic list.
const maxTopics = 10

const avatarSize = "120"

type topicListUser struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	AvatarTemplate string `json:"avatar_template"`
}

type topicListPoster struct {
	UserID int64  `json:"user_id"`
	Extras string `json:"extras"`
}

type topicListEntry struct {
	ID          int64             `json:"id"`
	Title       string            `json:"title"`
	Unseen      bool              `json:"unseen"`
	UnreadPosts int               `json:"unread_posts"`
	Posters     []topicListPoster `json:"posters"`
}

type topicListResponse struct {
	Users     []topicListUser `json:"users"`
	TopicList struct {
		Topics []topicListEntry `json:"topics"`
	} `json:"topic_list"`
}

// LoadTopics replaces the cached topic list with the site's quarterly top
// topics, newest activity first as the site orders them.
func (s *Site) LoadTopics(ctx context.Context) error {
	var response topicListResponse
	if err := s.jsonAPI(ctx, http.MethodGet, "/top/quarterly.json", nil, &response); err != nil {
		return fmt.Errorf("load topics: %w", err)
	}

	usersByID := make(map[int64]topicListUser, len(response.Users))
	for _, user := range response.Users {
		usersByID[user.ID] = user
	}

	topics := make([]Topic, 0, maxTopics)
	for _, entry := range response.TopicList.Topics {
		if len(topics) == maxTopics {
			break
		}
		topics = append(topics, Topic{
			ID:                     entry.ID,
			Title:                  entry.Title,
			New:                    entry.Unseen,
			UnreadPosts:            entry.UnreadPosts,
			MostRecentPosterAvatar: s.latestPosterAvatar(entry.Posters, usersByID),
		})
	}

	s.mu.Lock()
	s.record.Topics = topics
	s.mu.Unlock()
	return nil
}

// latestPosterAvatar resolves the avatar URL of the poster marked as the
// topic's latest contributor.
func (s *Site) latestPosterAvatar(posters []topicListPoster, users map[int64]topicListUser) string {
	for _, poster := range posters {
		if !strings.Contains(poster.Extras, "latest") {
			continue
		}
		user, ok := users[poster.UserID]
		if !ok || user.AvatarTemplate == "" {
			return ""
		}
		avatar := strings.ReplaceAll(user.AvatarTemplate, "{size}", avatarSize)
		if strings.HasPrefix(avatar, "http") {
			return avatar
		}
		return s.URL() + avatar
	}
	return ""
}
