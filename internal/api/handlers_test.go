package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"moplaychat/internal/auth"
	"moplaychat/internal/chat"
	"moplaychat/internal/config"
	"moplaychat/internal/feed"
	"moplaychat/internal/storage"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	router, db, rooms := newTestServer(t)
	defer db.Close()
	defer rooms.Shutdown()

	_, authHeader := registerAndLogin(t, router)

	// The room activates as soon as the gate sees the fresh token.
	room := waitForPhase(t, router, authHeader, "active")
	if room.MaxMessageChars != chat.MaxMessageChars {
		t.Fatalf("expected message limit %d, got %d", chat.MaxMessageChars, room.MaxMessageChars)
	}
	if room.Room.OnlineCount != 1 || len(room.Room.OnlineUsers) != 1 {
		t.Fatalf("expected self online, got %+v", room.Room)
	}
	if !room.Room.OnlineUsers[0].You {
		t.Fatalf("expected own entry flagged, got %+v", room.Room.OnlineUsers[0])
	}

	// Send a message; it renders from the persisted echo.
	sendResp := doJSONRequest(t, router, http.MethodPost, "/api/chat/messages", map[string]string{
		"text": "  <b>hello</b>   portal  ",
	}, authHeader)
	assertStatus(t, sendResp, http.StatusAccepted)
	var sendBody struct {
		Chars int `json:"chars"`
	}
	decodeJSON(t, sendResp.Body.Bytes(), &sendBody)
	if sendBody.Chars != len("hello portal") {
		t.Fatalf("expected sanitized char count %d, got %d", len("hello portal"), sendBody.Chars)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got roomResponse
	for time.Now().Before(deadline) {
		got = fetchRoom(t, router, authHeader)
		if len(got.Room.Messages) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got.Room.Messages) != 1 {
		t.Fatalf("message never rendered: %+v", got.Room)
	}
	bubble := got.Room.Messages[0]
	if bubble.Text != "hello portal" {
		t.Fatalf("unexpected rendered text %q", bubble.Text)
	}
	if !bubble.Own {
		t.Fatalf("expected own bubble")
	}

	// Validation failures map to 400.
	badResp := doJSONRequest(t, router, http.MethodPost, "/api/chat/messages", map[string]string{
		"text": "<b></b>",
	}, authHeader)
	assertStatus(t, badResp, http.StatusBadRequest)

	longResp := doJSONRequest(t, router, http.MethodPost, "/api/chat/messages", map[string]string{
		"text": strings.Repeat("x", chat.MaxMessageChars+1),
	}, authHeader)
	assertStatus(t, longResp, http.StatusBadRequest)

	// Tab visibility mirrors into the shared presence row.
	visResp := doJSONRequest(t, router, http.MethodPatch, "/api/chat/visibility", map[string]bool{
		"visible": false,
	}, authHeader)
	assertStatus(t, visResp, http.StatusNoContent)

	// Logout revokes the token and stops the room.
	logoutResp := doJSONRequest(t, router, http.MethodPost, "/api/chat/logout", nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)

	after := doJSONRequest(t, router, http.MethodGet, "/api/chat/room", nil, authHeader)
	assertStatus(t, after, http.StatusUnauthorized)
}

func TestChatRoutesRequireAuth(t *testing.T) {
	router, db, rooms := newTestServer(t)
	defer db.Close()
	defer rooms.Shutdown()

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/chat/room"},
		{http.MethodPost, "/api/chat/messages"},
		{http.MethodPatch, "/api/chat/visibility"},
		{http.MethodPost, "/api/chat/logout"},
	} {
		resp := doJSONRequest(t, router, route.method, route.path, nil, nil)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", route.method, route.path, resp.Code)
		}
	}
}

func TestCookieRequestsRequireCSRFToken(t *testing.T) {
	router, db, rooms := newTestServer(t)
	defer db.Close()
	defer rooms.Shutdown()

	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username, "password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username, "password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)

	var authCookie, csrfCookie *http.Cookie
	for _, ck := range loginResp.Result().Cookies() {
		switch ck.Name {
		case "auth_token":
			authCookie = ck
		case "csrf_token":
			csrfCookie = ck
		}
	}
	if authCookie == nil || authCookie.Value == "" {
		t.Fatalf("login did not set the auth cookie")
	}
	if csrfCookie == nil || csrfCookie.Value == "" {
		t.Fatalf("login did not set the csrf cookie")
	}
	bothCookies := authCookie.Name + "=" + authCookie.Value + "; " + csrfCookie.Name + "=" + csrfCookie.Value

	// Reads only need the session cookie.
	waitForPhase(t, router, map[string]string{"Cookie": bothCookies}, "active")

	// A forged cross-site write carries the session cookie but cannot set
	// the csrf header.
	forged := doJSONRequest(t, router, http.MethodPost, "/api/chat/messages", map[string]string{
		"text": "forged",
	}, map[string]string{"Cookie": authCookie.Name + "=" + authCookie.Value})
	assertStatus(t, forged, http.StatusForbidden)

	mismatched := doJSONRequest(t, router, http.MethodPost, "/api/chat/messages", map[string]string{
		"text": "forged",
	}, map[string]string{"Cookie": bothCookies, "X-CSRF-Token": "wrong"})
	assertStatus(t, mismatched, http.StatusForbidden)

	// The double-submit pair goes through.
	legit := doJSONRequest(t, router, http.MethodPost, "/api/chat/messages", map[string]string{
		"text": "from the browser",
	}, map[string]string{"Cookie": bothCookies, "X-CSRF-Token": csrfCookie.Value})
	assertStatus(t, legit, http.StatusAccepted)

	room := fetchRoom(t, router, map[string]string{"Cookie": bothCookies})
	if len(room.Room.Messages) == 0 {
		// echo delivery is asynchronous; poll briefly
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && len(room.Room.Messages) == 0 {
			time.Sleep(10 * time.Millisecond)
			room = fetchRoom(t, router, map[string]string{"Cookie": bothCookies})
		}
	}
	for _, bubble := range room.Room.Messages {
		if bubble.Text == "forged" {
			t.Fatalf("forged message was persisted")
		}
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	router, db, rooms := newTestServer(t)
	defer db.Close()
	defer rooms.Shutdown()

	resp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": "", "password": "",
	}, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": "nobody", "password": "nothing",
	}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestWebsocketStreamsSnapshots(t *testing.T) {
	router, db, rooms := newTestServer(t)
	defer db.Close()
	defer rooms.Shutdown()

	_, authHeader := registerAndLogin(t, router)
	waitForPhase(t, router, authHeader, "active")

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/chat/ws"
	header := http.Header{}
	for k, v := range authHeader {
		header.Set(k, v)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial websocket: %v (resp=%v)", err, resp)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap struct {
		Phase string `json:"phase"`
	}
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Phase != "active" {
		t.Fatalf("expected active snapshot first, got %q", snap.Phase)
	}

	// A sent message arrives as a fresh snapshot.
	sendResp := doJSONRequest(t, router, http.MethodPost, "/api/chat/messages", map[string]string{
		"text": "over the wire",
	}, authHeader)
	assertStatus(t, sendResp, http.StatusAccepted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var update struct {
			Messages []struct {
				Text string `json:"text"`
			} `json:"messages"`
		}
		if err := conn.ReadJSON(&update); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if len(update.Messages) == 1 && update.Messages[0].Text == "over the wire" {
			return
		}
	}
	t.Fatalf("message snapshot never arrived")
}

type roomResponse struct {
	Room            chat.Snapshot `json:"room"`
	MaxMessageChars int           `json:"max_message_chars"`
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *chat.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// in-memory sqlite gives every pooled connection its own database
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	roomFeed := feed.NewMemoryFeed()
	t.Cleanup(func() { roomFeed.Close() })

	messages := storage.NewMessageStore(db, roomFeed, zerolog.Nop())
	presence := storage.NewPresenceStore(db, "sqlite3", roomFeed, zerolog.Nop())
	authSvc := auth.NewService(db, nil, time.Hour)

	rooms := chat.NewRegistry(chat.Deps{
		Sessions: func(userID int64) chat.SessionProvider {
			return authSvc.SessionProvider(userID)
		},
		Messages: messages,
		Presence: presence,
		Feed:     roomFeed,
		Options: chat.Options{
			GatePoll:         10 * time.Millisecond,
			Heartbeat:        time.Hour,
			ListRefresh:      time.Hour,
			MessageReload:    time.Hour,
			PresenceDebounce: 10 * time.Millisecond,
			HistoryLimit:     50,
		},
		Log: zerolog.Nop(),
	})

	handler := NewHandler(authSvc, rooms, zerolog.Nop())
	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, rooms
}

func registerAndLogin(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	password := "pass123"

	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)
	if regBody.ID == 0 {
		t.Fatalf("expected user id in register response")
	}

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token from login")
	}
	return regBody.ID, map[string]string{"Authorization": "Bearer " + loginBody.AuthToken}
}

func fetchRoom(t *testing.T, router *gin.Engine, headers map[string]string) roomResponse {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodGet, "/api/chat/room", nil, headers)
	assertStatus(t, resp, http.StatusOK)
	var body roomResponse
	decodeJSON(t, resp.Body.Bytes(), &body)
	return body
}

func waitForPhase(t *testing.T, router *gin.Engine, headers map[string]string, phase string) roomResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var body roomResponse
	for time.Now().Before(deadline) {
		body = fetchRoom(t, router, headers)
		if string(body.Room.Phase) == phase && body.Room.OnlineCount > 0 {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room never reached phase %s: %+v", phase, body.Room)
	return roomResponse{}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v (%s)", err, data)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
