package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"satlink/internal/journal"
	"satlink/internal/queue"
	"satlink/internal/session"
	"satlink/internal/transport/transporttest"
)

func newTestServer(t *testing.T) (*httptest.Server, *session.Session, *transporttest.Modem) {
	t.Helper()
	modem := transporttest.NewModem()
	s := session.New(modem, session.Options{
		PollInterval: 5 * time.Second,
		Queue:        queue.Options{MaxRetries: 1, Backoff: time.Millisecond},
	}, nil, zerolog.Nop())
	h := NewHandler(s, nil, 0, zerolog.Nop())
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, s, modem
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, fields
}

func register(t *testing.T, srv *httptest.Server, s *session.Session, modem *transporttest.Modem) {
	t.Helper()
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/satlink/power/on", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("power on status = %d", resp.StatusCode)
	}
	modem.SetAcquired(true, true)
	s.Step(context.Background(), false)
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, fields := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(fields["state"]) != `"off"` {
		t.Errorf("state = %s", fields["state"])
	}
}

func TestPowerLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/satlink/power/on", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("power on status = %d", resp.StatusCode)
	}
	if string(fields["state"]) != `"awaiting_gnss"` {
		t.Errorf("state = %s", fields["state"])
	}

	// Powering an already-running session is a conflict.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/satlink/power/on", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second power on status = %d, want 409", resp.StatusCode)
	}

	resp, fields = doJSON(t, http.MethodPost, srv.URL+"/satlink/power/off", nil)
	if resp.StatusCode != http.StatusOK || string(fields["state"]) != `"off"` {
		t.Errorf("power off: %d %s", resp.StatusCode, fields["state"])
	}
}

func TestSubmitMOEndpoint(t *testing.T) {
	srv, s, modem := newTestServer(t)

	// Before registration the submit is rejected, not queued.
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/satlink/messages/mo",
		map[string]any{"payload": []byte("hello")})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("unregistered submit status = %d, want 409", resp.StatusCode)
	}

	register(t, srv, s, modem)

	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/satlink/messages/mo",
		map[string]any{"payload": []byte("hello")})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var id string
	if err := json.Unmarshal(fields["id"], &id); err != nil || id == "" {
		t.Fatalf("id field = %s", fields["id"])
	}
	if string(fields["state"]) != `"submitted"` {
		t.Errorf("state = %s", fields["state"])
	}

	resp, fields = doJSON(t, http.MethodGet, srv.URL+"/satlink/messages/mo/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mo status code = %d", resp.StatusCode)
	}
	if string(fields["direction"]) != `"mo"` {
		t.Errorf("direction = %s", fields["direction"])
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/satlink/messages/mo/999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown mo status code = %d", resp.StatusCode)
	}
}

func TestSubmitMOValidation(t *testing.T) {
	srv, s, modem := newTestServer(t)
	register(t, srv, s, modem)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/satlink/messages/mo", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty payload status = %d, want 400", resp.StatusCode)
	}
}

func TestMTEndpoints(t *testing.T) {
	srv, s, modem := newTestServer(t)
	register(t, srv, s, modem)

	modem.AddMT("3", make([]byte, 40))
	resp, fields := doJSON(t, http.MethodGet, srv.URL+"/satlink/messages/mt", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mt list status = %d", resp.StatusCode)
	}
	var sums []queue.MTSummary
	if err := json.Unmarshal(fields["messages"], &sums); err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0].ID != "3" || sums[0].Size != 40 {
		t.Fatalf("messages = %+v", sums)
	}

	resp, fields = doJSON(t, http.MethodPost, srv.URL+"/satlink/messages/mt/3/retrieve", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retrieve status = %d", resp.StatusCode)
	}
	var payload []byte
	if err := json.Unmarshal(fields["payload"], &payload); err != nil || len(payload) != 40 {
		t.Fatalf("payload = %s", fields["payload"])
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/satlink/messages/mt/3/retrieve", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("re-retrieve status = %d, want 404", resp.StatusCode)
	}
}

func TestLocationEndpoint(t *testing.T) {
	srv, s, modem := newTestServer(t)
	register(t, srv, s, modem)

	resp, fields := doJSON(t, http.MethodGet, srv.URL+"/satlink/location", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("location status = %d", resp.StatusCode)
	}
	if string(fields["fix_valid"]) != "true" {
		t.Errorf("fix_valid = %s", fields["fix_valid"])
	}

	modem.SetAcquired(false, true)
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/satlink/location", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("no-fix status = %d, want 409", resp.StatusCode)
	}
}

func TestReconfigureEndpoint(t *testing.T) {
	srv, s, modem := newTestServer(t)
	register(t, srv, s, modem)

	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/satlink/config",
		map[string]any{"wakeup_period": 3, "power_mode": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconfigure status = %d", resp.StatusCode)
	}
	if modem.Wakeup != 3 || modem.PowerMode != 1 {
		t.Errorf("modem config = %d/%d", modem.Wakeup, modem.PowerMode)
	}

	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/satlink/config",
		map[string]any{"wakeup_period": 99, "power_mode": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid config status = %d, want 400", resp.StatusCode)
	}
}

func TestHistoryDisabled(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/satlink/messages/history", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("history status = %d, want 404 when disabled", resp.StatusCode)
	}
}

func TestHistoryConfiguredLimit(t *testing.T) {
	jrn, err := journal.Open(t.TempDir(), 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { jrn.Close() })
	for i := 0; i < 3; i++ {
		jrn.Record(journal.Entry{Time: time.Now().Add(time.Duration(i) * time.Second), Kind: "session_state"})
	}

	modem := transporttest.NewModem()
	s := session.New(modem, session.Options{PollInterval: 5 * time.Second}, nil, zerolog.Nop())
	h := NewHandler(s, jrn, 2, zerolog.Nop())
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	resp, fields := doJSON(t, http.MethodGet, srv.URL+"/satlink/messages/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	var count int
	if err := json.Unmarshal(fields["count"], &count); err != nil {
		t.Fatalf("decode count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want configured limit 2", count)
	}

	// An explicit query limit still overrides the configured default.
	_, fields = doJSON(t, http.MethodGet, srv.URL+"/satlink/messages/history?limit=1", nil)
	if err := json.Unmarshal(fields["count"], &count); err != nil {
		t.Fatalf("decode count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
