package models

import (
	"time"
)

type MessageState string

const (
	StateQueued     MessageState = "queued"
	StateValidating MessageState = "validating"
	StatePersisted  MessageState = "persisted"
	StateDelivered  MessageState = "delivered"
	StateRead       MessageState = "read"
	StateRejected   MessageState = "rejected"
	StateRetracted  MessageState = "retracted"
)

var transitions = map[MessageState][]MessageState{
	StateQueued:     {StateValidating},
	StateValidating: {StatePersisted, StateRejected},
	StatePersisted:  {StateDelivered, StateRead, StateRetracted},
	StateDelivered:  {StateRead, StateRetracted},
}

// CanTransition reports whether a message may move from one state to another.
// Persisted may skip straight to Read when the reader was offline at send time.
// Once a message has been read it can no longer be retracted.
func CanTransition(from, to MessageState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s MessageState) Terminal() bool {
	return s == StateRejected || s == StateRetracted
}

// Visible reports whether other participants may read the message.
func (s MessageState) Visible() bool {
	switch s {
	case StatePersisted, StateDelivered, StateRead, StateRetracted:
		return true
	}
	return false
}

type Message struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ThreadID uint   `gorm:"not null;uniqueIndex:idx_thread_seq" json:"thread_id"`
	Seq      uint64 `gorm:"not null;uniqueIndex:idx_thread_seq" json:"seq"`
	SenderID uint   `gorm:"not null;index" json:"sender_id"`

	Content     string       `gorm:"type:text;not null" json:"content"`
	ClientToken string       `gorm:"type:varchar(64);not null" json:"client_token"`
	State       MessageState `gorm:"type:varchar(20);not null;index" json:"state"`

	EditDeadline time.Time  `json:"edit_deadline"`
	EditedAt     *time.Time `json:"edited_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
	RetractedAt  *time.Time `json:"retracted_at,omitempty"`

	Edits []MessageEdit `gorm:"foreignKey:MessageID" json:"edits,omitempty"`
}

// MessageEdit records the content a message had before one edit.
type MessageEdit struct {
	ID              uint      `gorm:"primarykey" json:"-"`
	MessageID       uint      `gorm:"not null;index" json:"message_id"`
	PreviousContent string    `gorm:"type:text;not null" json:"previous_content"`
	EditedAt        time.Time `json:"edited_at"`
}

// Editable reports whether content may still change at now.
func (m *Message) Editable(now time.Time) bool {
	return !now.After(m.EditDeadline)
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Edits = append([]MessageEdit(nil), m.Edits...)
	return &c
}

type MessageResponse struct {
	ID          uint          `json:"id"`
	ThreadID    uint          `json:"thread_id"`
	Seq         uint64        `json:"seq"`
	SenderID    uint          `json:"sender_id"`
	Content     string        `json:"content"`
	ClientToken string        `json:"client_token"`
	State       MessageState  `json:"state"`
	CreatedAt   time.Time     `json:"created_at"`
	EditedAt    *time.Time    `json:"edited_at,omitempty"`
	Edits       []MessageEdit `json:"edits,omitempty"`
}

func (m *Message) ToResponse() MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		ThreadID:    m.ThreadID,
		Seq:         m.Seq,
		SenderID:    m.SenderID,
		Content:     m.Content,
		ClientToken: m.ClientToken,
		State:       m.State,
		CreatedAt:   m.CreatedAt,
		EditedAt:    m.EditedAt,
		Edits:       m.Edits,
	}
}

// IdempotencyRecord remembers the result of a send so a retried request with
// the same client token returns it instead of persisting a second message.
type IdempotencyRecord struct {
	SenderID  uint      `gorm:"primaryKey" json:"sender_id"`
	Token     string    `gorm:"primaryKey;type:varchar(64)" json:"token"`
	ThreadID  uint      `gorm:"not null" json:"thread_id"`
	MessageID uint      `gorm:"not null" json:"message_id"`
	Seq       uint64    `gorm:"not null" json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }
