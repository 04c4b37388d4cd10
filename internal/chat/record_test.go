package chat

import (
	"errors"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	end := ts.Add(24 * time.Hour)
	no := false

	tests := []struct {
		name    string
		rec     Record
		wantErr error
		check   func(t *testing.T, m Message)
	}{
		{
			name: "chat from self",
			rec:  Record{ID: "1", Type: TypeChat, CreatedAt: ts, FromID: "me", Text: "hi"},
			check: func(t *testing.T, m Message) {
				c, ok := m.(*ChatMessage)
				if !ok || c.Text != "hi" || !c.Mine || c.Status != StatusConfirmed {
					t.Errorf("message = %+v", m)
				}
			},
		},
		{
			name: "image only chat",
			rec:  Record{ID: "2", Type: TypeChat, CreatedAt: ts, FromID: "them", Images: []string{"u"}},
			check: func(t *testing.T, m Message) {
				if m.Meta().Mine {
					t.Error("message from another user marked mine")
				}
			},
		},
		{
			name: "availability",
			rec:  Record{ID: "3", Type: TypeAvailability, CreatedAt: ts, Availability: []AvailabilityBlock{{Start: ts, End: end}}},
			check: func(t *testing.T, m Message) {
				if a, ok := m.(*AvailabilityMessage); !ok || len(a.Blocks) != 1 {
					t.Errorf("message = %+v", m)
				}
			},
		},
		{
			name: "proposal with answer",
			rec:  Record{ID: "4", Type: TypeProposal, CreatedAt: ts, StartDate: &ts, EndDate: &end, Accepted: &no},
			check: func(t *testing.T, m Message) {
				p, ok := m.(*ProposalMessage)
				if !ok || p.Accepted == nil || *p.Accepted {
					t.Errorf("message = %+v", m)
				}
			},
		},
		{
			name: "pending proposal",
			rec:  Record{ID: "5", Type: TypeProposal, CreatedAt: ts, StartDate: &ts, EndDate: &end},
			check: func(t *testing.T, m Message) {
				if p := m.(*ProposalMessage); p.Accepted != nil {
					t.Error("accepted should be unset")
				}
			},
		},
		{name: "unknown type", rec: Record{ID: "6", Type: "sticker", CreatedAt: ts}, wantErr: ErrUnknownType},
		{name: "missing id", rec: Record{Type: TypeChat, CreatedAt: ts, Text: "x"}, wantErr: ErrMalformed},
		{name: "missing timestamp", rec: Record{ID: "7", Type: TypeChat, Text: "x"}, wantErr: ErrMalformed},
		{name: "empty chat", rec: Record{ID: "8", Type: TypeChat, CreatedAt: ts}, wantErr: ErrMalformed},
		{name: "empty availability", rec: Record{ID: "9", Type: TypeAvailability, CreatedAt: ts}, wantErr: ErrMalformed},
		{name: "inverted proposal", rec: Record{ID: "10", Type: TypeProposal, CreatedAt: ts, StartDate: &end, EndDate: &ts}, wantErr: ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode(tt.rec, "me")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, m)
		})
	}
}

func TestDecodeWithoutSelfIsNeverMine(t *testing.T) {
	m, err := Decode(Record{ID: "1", Type: TypeChat, CreatedAt: time.Now(), Text: "x"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if m.Meta().Mine {
		t.Error("empty sender must not match empty self id")
	}
}

func TestDecodeUnreadableRecordIsMalformed(t *testing.T) {
	cause := errors.New("cannot set type int into string field")
	_, err := Decode(Record{ID: "1", Type: TypeChat, CreatedAt: time.Now(), Text: "x", DecodeErr: cause}, "me")
	if !errors.Is(err, ErrMalformed) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want ErrMalformed wrapping the cause", err)
	}
	if errors.Is(err, ErrUnknownType) {
		t.Error("unreadable record reported as unknown type")
	}
}
