package models

import (
	"time"
)

// MinParticipants is the smallest participant set a thread may have.
const MinParticipants = 2

// Thread is a conversation between a fixed, ordered set of participants.
type Thread struct {
	ID             uint      `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastActivityAt time.Time `gorm:"index" json:"last_activity_at"`
	CreatedBy      uint      `gorm:"not null;index" json:"created_by"`

	// LastSeq is the sequence number of the newest message in the thread.
	LastSeq uint64 `gorm:"not null;default:0" json:"last_seq"`

	Participants []Participant `gorm:"foreignKey:ThreadID" json:"participants"`
}

// Participant holds one user's membership and per-user view state for a thread.
type Participant struct {
	ThreadID uint `gorm:"primaryKey" json:"thread_id"`
	UserID   uint `gorm:"primaryKey;index" json:"user_id"`
	Position int  `gorm:"not null" json:"position"`

	Pinned   bool       `gorm:"not null;default:false;index" json:"pinned"`
	PinnedAt *time.Time `json:"pinned_at,omitempty"`

	Muted      bool       `gorm:"not null;default:false" json:"muted"`
	MutedUntil *time.Time `json:"muted_until,omitempty"`

	// LastReadSeq only moves forward.
	LastReadSeq uint64 `gorm:"not null;default:0" json:"last_read_seq"`
}

// MuteState is the mute view exposed to clients: until is nil for an
// indefinite mute.
type MuteState struct {
	Muted bool       `json:"muted"`
	Until *time.Time `json:"until"`
}

// MuteActive reports whether the mute still applies at now.
func (p *Participant) MuteActive(now time.Time) bool {
	if !p.Muted {
		return false
	}
	if p.MutedUntil == nil {
		return true
	}
	return !now.After(*p.MutedUntil)
}

// ParticipantIDs returns the participants' user ids in thread order.
func (t *Thread) ParticipantIDs() []uint {
	ids := make([]uint, 0, len(t.Participants))
	for _, p := range t.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Participant returns the membership row for userID, or nil.
func (t *Thread) Participant(userID uint) *Participant {
	for i := range t.Participants {
		if t.Participants[i].UserID == userID {
			return &t.Participants[i]
		}
	}
	return nil
}

func (t *Thread) HasParticipant(userID uint) bool {
	return t.Participant(userID) != nil
}

// Clone returns a deep copy so callers can't mutate repository state.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	c := *t
	c.Participants = make([]Participant, len(t.Participants))
	for i, p := range t.Participants {
		c.Participants[i] = p
		if p.PinnedAt != nil {
			v := *p.PinnedAt
			c.Participants[i].PinnedAt = &v
		}
		if p.MutedUntil != nil {
			v := *p.MutedUntil
			c.Participants[i].MutedUntil = &v
		}
	}
	return &c
}

// ThreadSummary is one row of a user's thread list.
type ThreadSummary struct {
	ThreadID       uint      `json:"thread_id"`
	Participants   []uint    `json:"participants"`
	LastActivityAt time.Time `json:"last_activity_at"`
	LastSeq        uint64    `json:"last_seq"`
	Pinned         bool      `json:"pinned"`
	Mute           MuteState `json:"mute"`
	Unread         uint64    `json:"unread"`
}
