package models

import "time"

// Message represents a chat message.
type Message struct {
	ID          string        `json:"id"`
	ChatID      string        `json:"chat_id"`
	AuthorID    string        `json:"user_id"`
	AuthorName  string        `json:"author"`
	Content     string        `json:"content"`
	ReplyToID   string        `json:"reply_to_id,omitempty"`
	Reply       *ReplyPreview `json:"reply,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	EditedAt    *time.Time    `json:"edited_at,omitempty"`
	ReadBy      int           `json:"read_by_count"`
}

// ReplyPreview is the denormalized view of a reply target. Unavailable is
// set once the target has been deleted.
type ReplyPreview struct {
	MessageID   string `json:"message_id"`
	AuthorName  string `json:"author,omitempty"`
	Content     string `json:"content,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

// Attachment references a stored blob owned by a message.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id,omitempty"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	MIMEType  string `json:"mime_type"`
	Size      int64  `json:"size"`
}

// PreviewText is the one-line text shown in conversation lists.
func (m *Message) PreviewText() string {
	if m.Content != "" {
		return m.Content
	}
	if len(m.Attachments) > 0 {
		return "📎 " + m.Attachments[0].Name
	}
	return ""
}
