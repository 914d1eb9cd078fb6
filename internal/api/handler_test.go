package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pagewatch/pagewatch/internal/config"
	"github.com/pagewatch/pagewatch/internal/hub"
	"github.com/pagewatch/pagewatch/internal/session"
	"github.com/pagewatch/pagewatch/internal/store"
	"github.com/pagewatch/pagewatch/internal/visit"
)

const testPassword = "hunter2"

type testEnv struct {
	srv      *httptest.Server
	client   *http.Client
	store    *store.Log
	sessions *session.Manager
	hub      *hub.Hub
}

func newEnv(t *testing.T, anonymize bool, rateMax int) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfgYAML := fmt.Sprintf(`admin_password: %s
anonymize: %v
store:
  path: %s
rate_limit:
  max: %d
  window_sec: 60
`, testPassword, anonymize, filepath.Join(dir, "visits.log"), rateMax)
	cfgPath := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	loader, err := config.NewLoader(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	st, err := store.Open(loader.Config().Store.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sessions := session.NewManager(testPassword, 0)
	broadcast := hub.New(sessions.Validate)
	t.Cleanup(broadcast.Shutdown)

	srv := httptest.NewServer(New(st, nil, broadcast, sessions, loader))
	t.Cleanup(srv.Close)

	return &testEnv{
		srv: srv,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store:    st,
		sessions: sessions,
		hub:      broadcast,
	}
}

func (e *testEnv) track(t *testing.T, body, forwardedFor string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/track", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("POST /track: %v", err)
	}
	resp.Body.Close()
	return resp
}

// login returns the session cookie value.
func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	resp, err := e.client.PostForm(e.srv.URL+"/login", map[string][]string{"password": {testPassword}})
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("login status = %d, want 303", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			return c.Value
		}
	}
	t.Fatal("login response has no session cookie")
	return ""
}

func (e *testEnv) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeRows(t *testing.T, resp *http.Response) []visit.Record {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		Rows []visit.Record `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	return body.Rows
}

func TestTrackAndSearch(t *testing.T) {
	e := newEnv(t, false, 120)

	resp := e.track(t, `{"path":"/home"}`, "203.0.113.5")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("track status = %d, want 200", resp.StatusCode)
	}

	token := e.login(t)
	rows := decodeRows(t, e.get(t, "/api/search?q=home", token))
	if len(rows) != 1 {
		t.Fatalf("search returned %d rows, want 1", len(rows))
	}
	if rows[0].Path != "/home" || rows[0].IP != "203.0.113.5" {
		t.Errorf("row = %+v, want path=/home ip=203.0.113.5", rows[0])
	}
	if rows[0].Timestamp == 0 || rows[0].ID == "" {
		t.Errorf("row missing timestamp or id: %+v", rows[0])
	}
}

func TestSearchAndHitsRequireSession(t *testing.T) {
	e := newEnv(t, false, 120)
	e.track(t, `{"path":"/home"}`, "203.0.113.5")

	for _, path := range []string{"/api/search", "/api/hits"} {
		resp := e.get(t, path, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without session = %d, want 401", path, resp.StatusCode)
		}
		resp = e.get(t, path, "forged-token")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s with forged token = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestHitsLegacyShape(t *testing.T) {
	e := newEnv(t, false, 120)
	e.track(t, `{"path":"/a"}`, "203.0.113.5")
	e.track(t, `{"path":"/b"}`, "203.0.113.5")

	token := e.login(t)
	resp := e.get(t, "/api/hits", token)
	defer resp.Body.Close()

	// Legacy endpoint returns a bare array, newest first.
	var rows []visit.Record
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("hits = %d rows, want 2", len(rows))
	}
	if rows[0].Path != "/b" {
		t.Fatalf("first hit = %q, want /b (newest first)", rows[0].Path)
	}
}

func TestAnonymizeMode(t *testing.T) {
	e := newEnv(t, true, 120)
	e.track(t, `{"path":"/home"}`, "203.0.113.5")

	token := e.login(t)
	rows := decodeRows(t, e.get(t, "/api/search", token))
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].IP != visit.AnonymizedIP {
		t.Errorf("stored ip = %q, want placeholder %q", rows[0].IP, visit.AnonymizedIP)
	}
}

func TestTrackRateLimit(t *testing.T) {
	e := newEnv(t, false, 3)

	for i := 1; i <= 3; i++ {
		if resp := e.track(t, `{"path":"/x"}`, "203.0.113.5"); resp.StatusCode != http.StatusOK {
			t.Fatalf("submission %d status = %d, want 200", i, resp.StatusCode)
		}
	}
	if resp := e.track(t, `{"path":"/x"}`, "203.0.113.5"); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-limit submission status = %d, want 429", resp.StatusCode)
	}
	// A different client is not throttled.
	if resp := e.track(t, `{"path":"/x"}`, "198.51.100.7"); resp.StatusCode != http.StatusOK {
		t.Fatalf("other client status = %d, want 200", resp.StatusCode)
	}

	token := e.login(t)
	rows := decodeRows(t, e.get(t, "/api/search", token))
	if len(rows) != 4 {
		t.Errorf("store has %d rows, want 4 (rejected submission not persisted)", len(rows))
	}
}

func TestTrackMalformedBody(t *testing.T) {
	e := newEnv(t, false, 120)

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/track", strings.NewReader("not json {{{"))
	req.Header.Set("User-Agent", "test-beacon/1.0")
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("POST /track: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("malformed body status = %d, want 200 (fields default empty)", resp.StatusCode)
	}

	token := e.login(t)
	rows := decodeRows(t, e.get(t, "/api/search", token))
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Path != "" || rows[0].UserAgent != "test-beacon/1.0" {
		t.Errorf("row = %+v, want empty path, header user agent", rows[0])
	}
}

// An oversize beacon body is capped: the submission degrades to empty
// fields, and later visits stay fully visible to queries.
func TestTrackOversizedBody(t *testing.T) {
	e := newEnv(t, false, 120)

	huge := `{"path":"/` + strings.Repeat("a", 70*1024) + `"}`
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/track", strings.NewReader(huge))
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("POST /track: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("oversize body status = %d, want 200", resp.StatusCode)
	}

	e.track(t, `{"path":"/after"}`, "203.0.113.5")

	token := e.login(t)
	rows := decodeRows(t, e.get(t, "/api/search", token))
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (oversize submission must not poison the log)", len(rows))
	}
	if rows[0].Path != "/after" {
		t.Errorf("newest row = %q, want /after", rows[0].Path)
	}
	if rows[1].Path != "" {
		t.Errorf("oversize submission stored path %q, want empty (body discarded)", rows[1].Path)
	}
}

// limit=0 (and negative limits) fall back to the default page size rather
// than the store's maximum.
func TestSearchLimitZeroUsesDefault(t *testing.T) {
	e := newEnv(t, false, 120)
	for i := 0; i < 105; i++ {
		if err := e.store.Append(&visit.Record{IP: "203.0.113.5", Path: fmt.Sprintf("/p/%d", i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	token := e.login(t)

	for _, q := range []string{"?limit=0", "?limit=-5"} {
		rows := decodeRows(t, e.get(t, "/api/search"+q, token))
		if len(rows) != 100 {
			t.Errorf("search %s returned %d rows, want default 100", q, len(rows))
		}
	}
}

func TestSessionInfo(t *testing.T) {
	e := newEnv(t, false, 120)

	var info struct {
		Authed    bool `json:"authed"`
		Anonymize bool `json:"anonymize"`
	}
	resp := e.get(t, "/api/session", "")
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if info.Authed {
		t.Error("authed = true before login")
	}

	token := e.login(t)
	resp = e.get(t, "/api/session", token)
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if !info.Authed {
		t.Error("authed = false after login")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	e := newEnv(t, false, 120)
	resp, err := e.client.PostForm(e.srv.URL+"/login", map[string][]string{"password": {"wrong"}})
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", resp.StatusCode)
	}
}

func TestLogout(t *testing.T) {
	e := newEnv(t, false, 120)
	token := e.login(t)

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/logout", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("POST /logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("logout status = %d, want 303", resp.StatusCode)
	}

	resp = e.get(t, "/api/search", token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("search after logout = %d, want 401", resp.StatusCode)
	}
}

// End-to-end: a tracked visit reaches a joined admin over the realtime
// channel and is the first search result.
func TestRealtimeEndToEnd(t *testing.T) {
	e := newEnv(t, false, 120)
	token := e.login(t)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Add("Cookie", sessionCookie+"="+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"event": "join-admin"}); err != nil {
		t.Fatalf("send join-admin: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var joined struct {
		Event string `json:"event"`
	}
	if err := conn.ReadJSON(&joined); err != nil || joined.Event != "joined" {
		t.Fatalf("join ack = %+v, err %v", joined, err)
	}

	e.track(t, `{"path":"/home"}`, "203.0.113.5")

	var ev struct {
		Event string       `json:"event"`
		Data  visit.Record `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read visit event: %v", err)
	}
	if ev.Event != "visit" || ev.Data.Path != "/home" || ev.Data.IP != "203.0.113.5" {
		t.Fatalf("visit event = %+v", ev)
	}

	rows := decodeRows(t, e.get(t, "/api/search?q=home", token))
	if len(rows) == 0 || rows[0].Path != "/home" {
		t.Fatalf("search rows = %+v, want /home first", rows)
	}
}

// An unauthenticated connection that requests to join is rejected and
// never receives visit events.
func TestRealtimeUnauthenticatedJoinRejected(t *testing.T) {
	e := newEnv(t, false, 120)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"event": "join-admin"}); err != nil {
		t.Fatalf("send join-admin: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply struct {
		Event string `json:"event"`
		Data  string `json:"data"`
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Event != "error" || reply.Data != "unauthorized" {
		t.Fatalf("reply = %+v, want unauthorized error", reply)
	}

	e.track(t, `{"path":"/secret"}`, "203.0.113.5")

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var ev struct {
		Event string `json:"event"`
	}
	if err := conn.ReadJSON(&ev); err == nil && ev.Event == "visit" {
		t.Fatal("unauthenticated connection received a visit event")
	}
}
