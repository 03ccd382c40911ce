package poller

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/sam-relay/internal/domain"
)

const sessionA = "0123456789abcdef0123456789abcdef"

// fakeStore serves messages keyed by id. GetAssistantMessage mirrors the
// SQL filter on role and session.
type fakeStore struct {
	sessions map[string]bool
	messages map[int64]*domain.Message
	err      error
}

func (f *fakeStore) SessionExists(_ context.Context, id string) (bool, error) {
	return f.sessions[id], f.err
}

func (f *fakeStore) GetAssistantMessage(_ context.Context, id int64, sessionID string) (*domain.Message, error) {
	m, ok := f.messages[id]
	if !ok || m.SessionID != sessionID || m.Role != domain.RoleAssistant {
		return nil, nil
	}
	return m, nil
}

func newFake(msgs ...*domain.Message) *fakeStore {
	f := &fakeStore{sessions: map[string]bool{sessionA: true}, messages: map[int64]*domain.Message{}}
	for _, m := range msgs {
		if m.SessionID == "" {
			m.SessionID = sessionA
		}
		if m.Role == "" {
			m.Role = domain.RoleAssistant
		}
		f.messages[m.ID] = m
	}
	return f
}

func TestPollPendingDoesNotDecode(t *testing.T) {
	// Pending rows carry no outcome; content is ignored even if present.
	f := newFake(&domain.Message{ID: 2, Status: domain.StatusPending, Content: "{garbage"})
	res, err := New(f).Poll(context.Background(), 2, sessionA)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Status != domain.StatusPending || res.Reply != (domain.FinalReply{}) {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPollCompleteIsDeviceReady(t *testing.T) {
	content, _ := domain.CompleteOutcome(domain.FinalReply{
		TextDisplay: "Line one\nLine “two” " + strings.Repeat("x", 1000),
		TextSAM:     "lyne wun\nlyne too",
	}).Encode()
	f := newFake(&domain.Message{ID: 2, Status: domain.StatusComplete, Content: content})

	res, err := New(f).Poll(context.Background(), 2, sessionA)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Status != domain.StatusComplete || res.Failed {
		t.Fatalf("unexpected status: %+v", res)
	}
	if len(res.Reply.TextDisplay) != domain.MaxDisplayChars {
		t.Fatalf("display length = %d", len(res.Reply.TextDisplay))
	}
	if !strings.HasPrefix(res.Reply.TextDisplay, `Line one Line "two" x`) {
		t.Fatalf("display not folded: %q", res.Reply.TextDisplay[:24])
	}
	if res.Reply.TextSAM != "lyne wun lyne too" {
		t.Fatalf("sam = %q", res.Reply.TextSAM)
	}
	for _, r := range res.Reply.TextDisplay {
		if r > 0x7F || r == '\n' {
			t.Fatalf("unexpected rune %q", r)
		}
	}
}

func TestPollDecodesLegacyAndErrorPayloads(t *testing.T) {
	errContent, _ := domain.ErrorOutcome("timeout").Encode()
	f := newFake(
		&domain.Message{ID: 2, Status: domain.StatusComplete, Content: errContent},
		&domain.Message{ID: 4, Status: domain.StatusComplete, Content: `{"text_display":"Hi","text_sam":"high"}`},
		&domain.Message{ID: 6, Status: domain.StatusComplete, Content: "not json at all"},
	)
	p := New(f)

	res, _ := p.Poll(context.Background(), 2, sessionA)
	if !res.Failed || res.Reply.TextDisplay != "Error: timeout" || res.Reply.TextSAM != "Error" {
		t.Fatalf("error outcome = %+v", res)
	}
	res, _ = p.Poll(context.Background(), 4, sessionA)
	if res.Failed || res.Reply.TextDisplay != "Hi" || res.Reply.TextSAM != "high" {
		t.Fatalf("legacy payload = %+v", res)
	}
	res, _ = p.Poll(context.Background(), 6, sessionA)
	if res.Reply.TextDisplay != "not json at all" || res.Reply.TextSAM != "not json at all" {
		t.Fatalf("undecodable content = %+v", res)
	}
}

func TestPollErrors(t *testing.T) {
	f := newFake(
		&domain.Message{ID: 1, Role: domain.RoleUser, Status: domain.StatusComplete, Content: "hi"},
		&domain.Message{ID: 2, Status: domain.StatusPending},
		&domain.Message{ID: 3, SessionID: "ffffffffffffffffffffffffffffffff", Status: domain.StatusPending},
	)
	p := New(f)
	ctx := context.Background()

	tests := []struct {
		name    string
		jobID   int64
		session string
		want    error
	}{
		{name: "malformed session", jobID: 2, session: "nope", want: domain.ErrAuth},
		{name: "unknown session", jobID: 2, session: "ffffffffffffffffffffffffffffffff", want: domain.ErrAuth},
		{name: "user row", jobID: 1, session: sessionA, want: domain.ErrNotFound},
		{name: "other session's job", jobID: 3, session: sessionA, want: domain.ErrNotFound},
		{name: "missing job", jobID: 99, session: sessionA, want: domain.ErrNotFound},
	}
	for _, tt := range tests {
		if _, err := p.Poll(ctx, tt.jobID, tt.session); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}

	f.err = errors.New("disk")
	if _, err := p.Poll(ctx, 2, sessionA); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}
