package domain

// Value types that flow from the webhook boundary through aggregation into
// dispatch. InboundUpdate is ephemeral; it is only persisted verbatim as the
// payload of a MediaGroupFragment.

import (
	"fmt"
	"strings"
)

// MediaKind enumerates the media shapes understood by the dispatcher.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// MediaItem is one attachment carried by an update. FileRef is the upstream
// platform's opaque file identifier; it is resolved to bytes by the media
// retriever only when a destination actually needs the file.
type MediaItem struct {
	Kind     MediaKind `json:"kind"`
	FileRef  string    `json:"file_ref"`
	MimeType string    `json:"mime_type,omitempty"`
	Size     int64     `json:"size,omitempty"`
}

// InboundUpdate is one webhook delivery normalized into platform-neutral form.
//
// Fields:
//   - ExternalUpdateID: envelope-level id (Telegram update_id); nil when the sender omits it.
//   - AccountID: the receiving account (the bot the webhook is registered for).
//   - ChatID / MessageID: identify the message within the upstream platform.
//   - MediaGroupID: set when the message is one item of an album.
//   - Text / Caption: message text or media caption (at most one is usually set).
//   - Media: detected attachments, at most one per update for album items.
type InboundUpdate struct {
	ExternalUpdateID *int64      `json:"external_update_id,omitempty"`
	AccountID        string      `json:"account_id"`
	ChatID           int64       `json:"chat_id"`
	MessageID        int64       `json:"message_id"`
	MediaGroupID     string      `json:"media_group_id,omitempty"`
	Text             string      `json:"text,omitempty"`
	Caption          string      `json:"caption,omitempty"`
	Media            []MediaItem `json:"media,omitempty"`
}

// Grouped reports whether the update is an album fragment.
func (u InboundUpdate) Grouped() bool { return strings.TrimSpace(u.MediaGroupID) != "" }

// GroupKey returns the media-group aggregate key accountId:chatId:mediaGroupId.
func (u InboundUpdate) GroupKey() string {
	return GroupKey(u.AccountID, u.ChatID, u.MediaGroupID)
}

// MessageKey identifies the message within an account's dedup keyspace.
func (u InboundUpdate) MessageKey() string {
	return fmt.Sprintf("%d:%d", u.ChatID, u.MessageID)
}

// DedupeKey is the execution-queue key for a non-grouped update. It prefers
// the envelope id and falls back to (chat, message).
func (u InboundUpdate) DedupeKey() string {
	if u.ExternalUpdateID != nil {
		return fmt.Sprintf("%s:update:%d", u.AccountID, *u.ExternalUpdateID)
	}
	return fmt.Sprintf("%s:%s", u.AccountID, u.MessageKey())
}

// GroupKey builds the aggregate key for a media group.
func GroupKey(accountID string, chatID int64, mediaGroupID string) string {
	return fmt.Sprintf("%s:%d:%s", accountID, chatID, mediaGroupID)
}

// LogicalMessage is what the dispatcher fans out: either a single update or
// the merged result of a settled media group.
type LogicalMessage struct {
	AccountID  string      `json:"account_id"`
	ChatID     int64       `json:"chat_id"`
	MessageIDs []int64     `json:"message_ids"`
	GroupKey   string      `json:"group_key,omitempty"`
	Text       string      `json:"text"`
	Media      []MediaItem `json:"media,omitempty"`
}

// FromUpdate converts a non-grouped update into a logical message.
func FromUpdate(u InboundUpdate) LogicalMessage {
	text := u.Text
	if strings.TrimSpace(text) == "" {
		text = u.Caption
	}
	return LogicalMessage{
		AccountID:  u.AccountID,
		ChatID:     u.ChatID,
		MessageIDs: []int64{u.MessageID},
		Text:       text,
		Media:      append([]MediaItem(nil), u.Media...),
	}
}

// Key returns a stable identifier for the logical message, used to scope
// per-target execution dedupe keys.
func (m LogicalMessage) Key() string {
	if m.GroupKey != "" {
		return "group:" + m.GroupKey
	}
	if len(m.MessageIDs) == 0 {
		return fmt.Sprintf("%s:%d", m.AccountID, m.ChatID)
	}
	return fmt.Sprintf("%s:%d:%d", m.AccountID, m.ChatID, m.MessageIDs[0])
}

// CountMedia returns the number of photos and videos in the message.
func (m LogicalMessage) CountMedia() (photos, videos int) {
	for _, it := range m.Media {
		switch it.Kind {
		case MediaPhoto:
			photos++
		case MediaVideo:
			videos++
		}
	}
	return photos, videos
}
