package models

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to MessageState
		want     bool
	}{
		{StateQueued, StateValidating, true},
		{StateValidating, StatePersisted, true},
		{StateValidating, StateRejected, true},
		{StatePersisted, StateDelivered, true},
		{StatePersisted, StateRead, true},
		{StateDelivered, StateRead, true},
		{StateRead, StateRetracted, false},
		{StatePersisted, StateRetracted, true},
		{StateDelivered, StateRetracted, true},
		{StateRead, StateDelivered, false},
		{StateDelivered, StatePersisted, false},
		{StateRejected, StatePersisted, false},
		{StateRetracted, StateRead, false},
		{StateQueued, StatePersisted, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateTerminalAndVisible(t *testing.T) {
	if !StateRejected.Terminal() || !StateRetracted.Terminal() {
		t.Error("rejected and retracted must be terminal")
	}
	if StateRead.Terminal() {
		t.Error("read must not be terminal")
	}
	if StateQueued.Visible() || StateValidating.Visible() || StateRejected.Visible() {
		t.Error("unpersisted messages must not be visible")
	}
	if !StateRetracted.Visible() {
		t.Error("retracted messages keep their place in history")
	}
}

func TestMessageEditable(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m := &Message{EditDeadline: now.Add(15 * time.Minute)}

	if !m.Editable(now) {
		t.Error("message should be editable before the deadline")
	}
	if !m.Editable(now.Add(15 * time.Minute)) {
		t.Error("message should be editable at the deadline")
	}
	if m.Editable(now.Add(15*time.Minute + time.Second)) {
		t.Error("message should not be editable after the deadline")
	}
}

func TestMessageCloneIsDeep(t *testing.T) {
	m := &Message{ID: 1, Content: "hi", Edits: []MessageEdit{{PreviousContent: "hello"}}}
	c := m.Clone()
	c.Edits[0].PreviousContent = "changed"
	c.Content = "changed"

	if m.Edits[0].PreviousContent != "hello" || m.Content != "hi" {
		t.Error("Clone shares state with the original")
	}
	if (*Message)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestMessageToResponse(t *testing.T) {
	edited := time.Now()
	m := &Message{
		ID: 3, ThreadID: 7, Seq: 2, SenderID: 1,
		Content: "updated", ClientToken: "tok", State: StateDelivered,
		EditedAt: &edited,
		Edits:    []MessageEdit{{PreviousContent: "original"}},
	}

	r := m.ToResponse()
	if r.ID != 3 || r.ThreadID != 7 || r.Seq != 2 || r.SenderID != 1 {
		t.Errorf("ToResponse ids = %+v", r)
	}
	if r.Content != "updated" || r.ClientToken != "tok" || r.State != StateDelivered {
		t.Errorf("ToResponse fields = %+v", r)
	}
	if len(r.Edits) != 1 || r.EditedAt == nil {
		t.Errorf("ToResponse edit history missing: %+v", r)
	}
}

func TestParticipantMuteActive(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(time.Hour)

	tests := []struct {
		name string
		p    Participant
		at   time.Time
		want bool
	}{
		{"not muted", Participant{}, now, false},
		{"indefinite", Participant{Muted: true}, now.Add(1000 * time.Hour), true},
		{"before expiry", Participant{Muted: true, MutedUntil: &until}, now, true},
		{"at expiry", Participant{Muted: true, MutedUntil: &until}, until, true},
		{"after expiry", Participant{Muted: true, MutedUntil: &until}, until.Add(time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.MuteActive(tt.at); got != tt.want {
				t.Errorf("MuteActive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThreadParticipants(t *testing.T) {
	pinnedAt := time.Now()
	th := &Thread{Participants: []Participant{
		{UserID: 4, Position: 0, PinnedAt: &pinnedAt},
		{UserID: 2, Position: 1},
	}}

	ids := th.ParticipantIDs()
	if len(ids) != 2 || ids[0] != 4 || ids[1] != 2 {
		t.Errorf("ParticipantIDs() = %v, want [4 2]", ids)
	}
	if !th.HasParticipant(2) || th.HasParticipant(3) {
		t.Error("HasParticipant mismatch")
	}

	c := th.Clone()
	*c.Participants[0].PinnedAt = pinnedAt.Add(time.Hour)
	c.Participants[1].Pinned = true
	if !th.Participants[0].PinnedAt.Equal(pinnedAt) || th.Participants[1].Pinned {
		t.Error("Clone shares participant state with the original")
	}
}

func TestTierLimits(t *testing.T) {
	if got := LimitsFor(TierFree).MessagesPerDay; got != 10 {
		t.Errorf("free MessagesPerDay = %d, want 10", got)
	}
	if got := LimitsFor("unknown"); got != LimitsFor(TierFree) {
		t.Errorf("unknown tier limits = %+v, want free limits", got)
	}
	if !Allows(Unlimited, 1_000_000) {
		t.Error("Unlimited must always allow")
	}
	if Allows(10, 10) || !Allows(10, 9) {
		t.Error("Allows boundary mismatch")
	}
}
