package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/sam-relay/internal/domain"
	"github.com/ashureev/sam-relay/internal/gateway"
	"github.com/ashureev/sam-relay/internal/poller"
	"github.com/ashureev/sam-relay/internal/store"
	"github.com/go-chi/chi/v5"
)

const testSecret = "let-me-in"

type nopDispatcher struct{ jobs []int64 }

func (d *nopDispatcher) Dispatch(jobID int64) { d.jobs = append(d.jobs, jobID) }
func (d *nopDispatcher) TriggerSweep()        {}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, maxBody int64) (http.Handler, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	gw := gateway.New(repo, &nopDispatcher{}, testSecret, 0, nil)
	r := chi.NewRouter()
	NewRelayHandler(gw, poller.New(repo), maxBody, nil).RegisterRoutes(r)
	NewHealthHandler(repo, 0).RegisterHealth(r)
	return r, repo
}

func do(t *testing.T, h http.Handler, method, target, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("%s %s: decode response: %v", method, target, err)
	}
	return w.Code, got
}

func bootstrap(t *testing.T, h http.Handler, old string) string {
	t.Helper()
	body := fmt.Sprintf(`{"secret":%q,"session_id":%q}`, testSecret, old)
	code, got := do(t, h, http.MethodPost, "/api/bootstrap", body)
	if code != http.StatusOK {
		t.Fatalf("bootstrap status = %d, body %v", code, got)
	}
	id, _ := got["session_id"].(string)
	if len(id) != 32 {
		t.Fatalf("unexpected session id %q", id)
	}
	return id
}

func TestSubmitPollLifecycle(t *testing.T) {
	h, repo := newTestServer(t, 0)
	sid := bootstrap(t, h, "")

	code, got := do(t, h, http.MethodPost, "/api/submit", fmt.Sprintf(`{"session_id":%q,"text":"hello"}`, sid))
	if code != http.StatusOK {
		t.Fatalf("submit status = %d, body %v", code, got)
	}
	if got["status"] != "pending" || got["session_id"] != sid {
		t.Fatalf("unexpected submit body: %v", got)
	}
	jobID := int64(got["job_id"].(float64))

	pollURL := fmt.Sprintf("/api/poll?job_id=%d&session_id=%s", jobID, sid)
	code, got = do(t, h, http.MethodGet, pollURL, "")
	if code != http.StatusOK || got["status"] != "pending" {
		t.Fatalf("pending poll = %d, %v", code, got)
	}
	if _, ok := got["text_display"]; ok {
		t.Fatal("pending poll must not carry reply text")
	}

	content, err := domain.CompleteOutcome(domain.FinalReply{
		TextDisplay: "It’s sunny " + strings.Repeat("x", 1200),
		TextSAM:     "It is sunny",
	}).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := repo.CompleteJob(context.Background(), jobID, content); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	code, got = do(t, h, http.MethodGet, pollURL, "")
	if code != http.StatusOK || got["status"] != "complete" {
		t.Fatalf("complete poll = %d, %v", code, got)
	}
	display, _ := got["text_display"].(string)
	if len(display) > domain.MaxDisplayChars || !strings.HasPrefix(display, "It's sunny") {
		t.Fatalf("display not device-ready: len %d", len(display))
	}
	if got["text_sam"] != "It is sunny" {
		t.Fatalf("text_sam = %v", got["text_sam"])
	}
}

func TestPollCompleteAlwaysCarriesBothFields(t *testing.T) {
	for name, content := range map[string]string{
		"display only": `{"text_display":"hi"}`,
		"empty":        "",
	} {
		t.Run(name, func(t *testing.T) {
			h, repo := newTestServer(t, 0)
			sid := bootstrap(t, h, "")
			_, got := do(t, h, http.MethodPost, "/api/submit", fmt.Sprintf(`{"session_id":%q,"text":"hello"}`, sid))
			jobID := int64(got["job_id"].(float64))

			if err := repo.CompleteJob(context.Background(), jobID, content); err != nil {
				t.Fatalf("CompleteJob failed: %v", err)
			}

			code, got := do(t, h, http.MethodGet, fmt.Sprintf("/api/poll?job_id=%d&session_id=%s", jobID, sid), "")
			if code != http.StatusOK || got["status"] != "complete" {
				t.Fatalf("poll = %d, %v", code, got)
			}
			for _, key := range []string{"text_display", "text_sam"} {
				if _, ok := got[key].(string); !ok {
					t.Errorf("complete reply missing %s: %v", key, got)
				}
			}
		})
	}
}

func TestBootstrapRejectsBadSecret(t *testing.T) {
	h, _ := newTestServer(t, 0)
	code, got := do(t, h, http.MethodPost, "/api/bootstrap", `{"secret":"nope"}`)
	if code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", code)
	}
	if got["error"] == "" {
		t.Fatal("expected error message")
	}
}

func TestRotationInvalidatesOldSession(t *testing.T) {
	h, _ := newTestServer(t, 0)
	old := bootstrap(t, h, "")
	_, got := do(t, h, http.MethodPost, "/api/submit", fmt.Sprintf(`{"session_id":%q,"text":"hi"}`, old))
	jobID := int64(got["job_id"].(float64))

	fresh := bootstrap(t, h, old)
	if fresh == old {
		t.Fatal("rotation must mint a new id")
	}

	code, _ := do(t, h, http.MethodPost, "/api/submit", fmt.Sprintf(`{"session_id":%q,"text":"hi"}`, old))
	if code != http.StatusForbidden {
		t.Fatalf("submit with rotated id = %d, want 403", code)
	}
	code, _ = do(t, h, http.MethodGet, fmt.Sprintf("/api/poll?job_id=%d&session_id=%s", jobID, old), "")
	if code != http.StatusForbidden {
		t.Fatalf("poll with rotated id = %d, want 403", code)
	}
}

func TestRequestErrors(t *testing.T) {
	h, _ := newTestServer(t, 128)
	sid := bootstrap(t, h, "")
	other := bootstrap(t, h, "")

	_, got := do(t, h, http.MethodPost, "/api/submit", fmt.Sprintf(`{"session_id":%q,"text":"mine"}`, other))
	otherJob := int64(got["job_id"].(float64))

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"malformed json", http.MethodPost, "/api/submit", `{"session_id":`, http.StatusBadRequest},
		{"empty text", http.MethodPost, "/api/submit", fmt.Sprintf(`{"session_id":%q,"text":"  \u0007 "}`, sid), http.StatusBadRequest},
		{"unknown session", http.MethodPost, "/api/submit", fmt.Sprintf(`{"session_id":%q,"text":"hi"}`, strings.Repeat("0", 32)), http.StatusForbidden},
		{"malformed session", http.MethodPost, "/api/submit", `{"session_id":"xyz","text":"hi"}`, http.StatusForbidden},
		{"oversized body", http.MethodPost, "/api/submit", fmt.Sprintf(`{"session_id":%q,"text":%q}`, sid, strings.Repeat("y", 500)), http.StatusRequestEntityTooLarge},
		{"missing job id", http.MethodGet, "/api/poll?session_id=" + sid, "", http.StatusBadRequest},
		{"non-numeric job id", http.MethodGet, "/api/poll?job_id=abc&session_id=" + sid, "", http.StatusBadRequest},
		{"foreign job", http.MethodGet, fmt.Sprintf("/api/poll?job_id=%d&session_id=%s", otherJob, sid), "", http.StatusNotFound},
		{"user row is not a job", http.MethodGet, fmt.Sprintf("/api/poll?job_id=%d&session_id=%s", otherJob-1, other), "", http.StatusNotFound},
	}

	for _, tt := range tests {
		code, got := do(t, h, tt.method, tt.target, tt.body)
		if code != tt.want {
			t.Errorf("%s: status = %d, want %d (body %v)", tt.name, code, tt.want, got)
		}
		if _, ok := got["error"]; !ok {
			t.Errorf("%s: missing error field", tt.name)
		}
	}
}

func TestNotFoundEchoesSession(t *testing.T) {
	h, _ := newTestServer(t, 0)
	sid := bootstrap(t, h, "")
	code, got := do(t, h, http.MethodGet, "/api/poll?job_id=999&session_id="+sid, "")
	if code != http.StatusNotFound || got["session_id"] != sid {
		t.Fatalf("poll unknown job = %d, %v", code, got)
	}
}

func TestHealth(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{errors.New("disk gone"), http.StatusServiceUnavailable},
	} {
		r := chi.NewRouter()
		NewHealthHandler(fakePinger{err: tc.err}, 0).RegisterHealth(r)
		code, got := do(t, r, http.MethodGet, "/health", "")
		if code != tc.want {
			t.Errorf("health with %v = %d, want %d", tc.err, code, tc.want)
		}
		checks, _ := got["checks"].(map[string]interface{})
		if tc.err != nil && checks["database"] != "unreachable" {
			t.Errorf("expected database unreachable, got %v", checks)
		}
	}
}
