package site

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// BusMessage is one wire entry of a message-bus poll response.
type BusMessage struct {
	Channel   string          `json:"channel"`
	MessageID int64           `json:"message_id"`
	Data      json.RawMessage `json:"data"`
}

// Alert is a push-style notification collected from the alert channel, with
// the originating site attached so callers can route it.
type Alert struct {
	Site *Site          `json:"-"`
	URL  string         `json:"url"`
	Data map[string]any `json:"data"`
}

// Result reports what a batch of bus messages changed.
type Result struct {
	Notifications bool
	Totals        bool
	Alerts        []Alert
}

// channelKind is the closed set of bus channels the tracker understands.
type channelKind int

const (
	kindUnknown channelKind = iota
	kindStatus
	kindNotification
	kindAlert
	kindTopicState
	kindRecover
	kindDelete
	kindFlaggedCounts
	kindQueueCounts
)

func classifyChannel(channel string, userID int64) channelKind {
	switch channel {
	case "/__status":
		return kindStatus
	case "/new", "/latest", fmt.Sprintf("/unread/%d", userID):
		return kindTopicState
	case "/recover":
		return kindRecover
	case "/delete":
		return kindDelete
	case "/flagged_counts":
		return kindFlaggedCounts
	case "/queue_counts":
		return kindQueueCounts
	case fmt.Sprintf("/notification/%d", userID):
		return kindNotification
	case fmt.Sprintf("/notification-alert/%d", userID):
		return kindAlert
	default:
		return kindUnknown
	}
}

// SeenNotification is one entry of the notification channel's recent set,
// serialised on the wire as an [id, read] tuple.
type SeenNotification struct {
	ID   int64
	Read bool
}

func (n *SeenNotification) UnmarshalJSON(data []byte) error {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[0], &n.ID); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &n.Read)
}

func (n SeenNotification) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{n.ID, n.Read})
}

type notificationPayload struct {
	UnreadNotifications   int                `json:"unread_notifications"`
	UnreadPrivateMessages int                `json:"unread_private_messages"`
	SeenNotificationID    int64              `json:"seen_notification_id"`
	Recent                []SeenNotification `json:"recent"`
}

// optionalInt distinguishes an absent field from an explicit null, matching
// how partial bus payloads overlay tracking entries.
type optionalInt struct {
	set   bool
	value *int
}

func (o *optionalInt) UnmarshalJSON(data []byte) error {
	o.set = true
	if string(data) == "null" {
		o.value = nil
		return nil
	}
	return json.Unmarshal(data, &o.value)
}

type topicPayload struct {
	TopicID            int64       `json:"topic_id"`
	Archetype          *string     `json:"archetype"`
	NotificationLevel  *int        `json:"notification_level"`
	LastReadPostNumber optionalInt `json:"last_read_post_number"`
	HighestPostNumber  *int        `json:"highest_post_number"`
}

func (p topicPayload) toState() TopicState {
	state := TopicState{TopicID: p.TopicID}
	if p.Archetype != nil {
		state.Archetype = *p.Archetype
	}
	state.NotificationLevel = p.NotificationLevel
	if p.LastReadPostNumber.set {
		state.LastReadPostNumber = p.LastReadPostNumber.value
	}
	if p.HighestPostNumber != nil {
		state.HighestPostNumber = *p.HighestPostNumber
	}
	return state
}

type topicEnvelope struct {
	Payload topicPayload `json:"payload"`
}

type flaggedCountsPayload struct {
	Total int `json:"total"`
}

type queueCountsPayload struct {
	PostQueueNewCount int `json:"post_queue_new_count"`
}

// ProcessMessages applies a batch of bus messages to the site's sync state
// and reports what changed. Unknown channels advance the cursor and nothing
// else.
func (s *Site) ProcessMessages(messages []BusMessage) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result Result
	for _, message := range messages {
		if s.channels != nil {
			s.channels[message.Channel] = message.MessageID
		}

		switch classifyChannel(message.Channel, s.record.UserID) {
		case kindStatus:
			s.applyStatus(message, &result)
		case kindNotification:
			s.applyNotification(message, &result)
		case kindTopicState:
			s.applyTopicState(message, &result)
		case kindRecover:
			s.applyDeletedFlag(message, false)
		case kindDelete:
			s.applyDeletedFlag(message, true)
		case kindFlaggedCounts:
			s.applyFlaggedCounts(message, &result)
		case kindQueueCounts:
			s.applyQueueCounts(message, &result)
		case kindAlert:
			s.applyAlert(message, &result)
		}
	}
	return result
}

func (s *Site) applyStatus(message BusMessage, result *Result) {
	var positions map[string]int64
	if err := json.Unmarshal(message.Data, &positions); err != nil {
		s.decodeWarn(message, err)
		return
	}
	s.channels = positions
	s.channels["__seq"] = 0
	// the cached counters may now be wrong, force a notification check
	result.Notifications = true
}

func (s *Site) applyNotification(message BusMessage, result *Result) {
	var payload notificationPayload
	if err := json.Unmarshal(message.Data, &payload); err != nil {
		s.decodeWarn(message, err)
		return
	}

	if payload.SeenNotificationID != 0 {
		s.record.LastSeenNotificationID = payload.SeenNotificationID
	}

	if s.recentNotifications != nil && !seenPrefixEqual(payload.Recent, s.recentNotifications) {
		result.Notifications = true
	}
	s.recentNotifications = payload.Recent

	if s.record.UnreadNotifications != payload.UnreadNotifications {
		s.record.UnreadNotifications = payload.UnreadNotifications
		result.Notifications = true
	}
	if s.record.UnreadPrivateMessages != payload.UnreadPrivateMessages {
		s.record.UnreadPrivateMessages = payload.UnreadPrivateMessages
		result.Notifications = true
	}
}

// seenPrefixEqual reports whether the freshly announced tuples match the head
// of the cached set. A shorter cache always counts as changed.
func seenPrefixEqual(recent, cached []SeenNotification) bool {
	if len(cached) < len(recent) {
		return false
	}
	for i := range recent {
		if recent[i] != cached[i] {
			return false
		}
	}
	return true
}

func (s *Site) applyTopicState(message BusMessage, result *Result) {
	var envelope topicEnvelope
	if err := json.Unmarshal(message.Data, &envelope); err != nil {
		s.decodeWarn(message, err)
		return
	}
	payload := envelope.Payload
	if payload.Archetype != nil && *payload.Archetype == archetypePrivateMessage {
		return
	}
	if s.trackingState == nil {
		return
	}

	key := trackingKey(payload.TopicID)
	if existing, ok := s.trackingState[key]; ok {
		s.trackingState[key] = existing.merge(payload)
	} else {
		s.trackingState[key] = payload.toState()
	}
	s.updateTotalsLocked()
	result.Totals = true
}

func (s *Site) applyDeletedFlag(message BusMessage, deleted bool) {
	var envelope topicEnvelope
	if err := json.Unmarshal(message.Data, &envelope); err != nil {
		s.decodeWarn(message, err)
		return
	}
	key := trackingKey(envelope.Payload.TopicID)
	if existing, ok := s.trackingState[key]; ok {
		// keep the entry so total recomputation stays correct
		existing.Deleted = deleted
		s.trackingState[key] = existing
	}
}

func (s *Site) applyFlaggedCounts(message BusMessage, result *Result) {
	var payload flaggedCountsPayload
	if err := json.Unmarshal(message.Data, &payload); err != nil {
		s.decodeWarn(message, err)
		return
	}
	if s.record.FlagCount != payload.Total {
		s.record.FlagCount = payload.Total
		result.Notifications = true
	}
}

func (s *Site) applyQueueCounts(message BusMessage, result *Result) {
	var payload queueCountsPayload
	if err := json.Unmarshal(message.Data, &payload); err != nil {
		s.decodeWarn(message, err)
		return
	}
	if s.record.QueueCount != payload.PostQueueNewCount {
		// yes this is weird, queue deltas bleed into the flag count too
		s.record.FlagCount -= s.record.QueueCount - payload.PostQueueNewCount
		s.record.QueueCount = payload.PostQueueNewCount
		result.Notifications = true
	}
}

func (s *Site) applyAlert(message BusMessage, result *Result) {
	var data map[string]any
	if err := json.Unmarshal(message.Data, &data); err != nil {
		s.decodeWarn(message, err)
		return
	}
	alert := Alert{Site: s, Data: data}
	if postURL, ok := data["post_url"].(string); ok {
		alert.URL = s.record.URL + postURL
		data["url"] = alert.URL
	}
	result.Alerts = append(result.Alerts, alert)
}

func (s *Site) decodeWarn(message BusMessage, err error) {
	s.logger.Warn("discarding undecodable bus message",
		slog.String("site", s.record.URL),
		slog.String("channel", message.Channel),
		slog.Any("error", err))
}

func trackingKey(topicID int64) string {
	return fmt.Sprintf("t%d", topicID)
}
