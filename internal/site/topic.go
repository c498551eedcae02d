package site

const archetypePrivateMessage = "private_message"

// TopicState is one entry of a site's topic tracking state: the read and
// notification metadata from which unread/new totals are derived.
type TopicState struct {
	TopicID            int64  `json:"topic_id"`
	Archetype          string `json:"archetype,omitempty"`
	NotificationLevel  *int   `json:"notification_level"`
	LastReadPostNumber *int   `json:"last_read_post_number"`
	HighestPostNumber  int    `json:"highest_post_number,omitempty"`
	Deleted            bool   `json:"deleted,omitempty"`
}

// IsNew reports whether the topic counts as new: never read, and either no
// notification level recorded or tracking at level two or above.
func (t TopicState) IsNew() bool {
	if t.LastReadPostNumber != nil {
		return false
	}
	return t.NotificationLevel == nil || *t.NotificationLevel >= 2
}

// IsUnread reports whether the topic counts as unread: partially read with
// posts remaining, and tracked at level two or above.
func (t TopicState) IsUnread() bool {
	if t.LastReadPostNumber == nil || t.NotificationLevel == nil {
		return false
	}
	return *t.LastReadPostNumber < t.HighestPostNumber && *t.NotificationLevel >= 2
}

// merge overlays the fields present in update onto t, mirroring how bus
// payloads partially update an existing tracking entry.
func (t TopicState) merge(update topicPayload) TopicState {
	if update.Archetype != nil {
		t.Archetype = *update.Archetype
	}
	if update.NotificationLevel != nil {
		t.NotificationLevel = update.NotificationLevel
	}
	if update.LastReadPostNumber.set {
		t.LastReadPostNumber = update.LastReadPostNumber.value
	}
	if update.HighestPostNumber != nil {
		t.HighestPostNumber = *update.HighestPostNumber
	}
	return t
}

// Topic is one entry of the site's bounded top-topics list shown alongside
// the badge counts.
type Topic struct {
	ID                     int64  `json:"id"`
	Title                  string `json:"title"`
	MostRecentPosterAvatar string `json:"mostRecentPosterAvatar,omitempty"`
	New                    bool   `json:"new"`
	UnreadPosts            int    `json:"unreadPosts"`
}
