package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// ---------- helpers ----------

var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// startTestServer spins up an httptest.Server with a Hub backed by a
// temporary database and returns the server, its WebSocket URL, and the hub.
func startTestServer(t *testing.T) (*httptest.Server, string, *Hub) {
	t.Helper()

	prevIdleTimeout := SessionIdleTimeout
	SessionIdleTimeout = 150 * time.Millisecond

	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	hub := NewHub(Config{Settings: testSettings(), Fill: 20, PublicURL: "https://cells.example"}, db)
	go hub.Run()

	srv := httptest.NewServer(SetupRoutes(hub))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		db.Close()
		SessionIdleTimeout = prevIdleTimeout
	})
	return srv, wsURL, hub
}

// dialWS opens a WebSocket connection to the test server.
func dialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial WS: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEnvelope reads one message from the WebSocket.
func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read WS: %v", err)
	}
	// Binary messages are msgpack-encoded GameState
	if msgType == websocket.BinaryMessage {
		var gs GameState
		if err := msgpack.Unmarshal(raw, &gs); err != nil {
			t.Fatalf("msgpack unmarshal: %v", err)
		}
		return Envelope{T: MsgState, Data: gs}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

// readUntil skips messages until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) Envelope {
	t.Helper()
	for i := 0; i < 500; i++ {
		env := readEnvelope(t, conn)
		if env.T == want {
			return env
		}
		if env.T == MsgError && want != MsgError {
			t.Fatalf("expected %s, got error %v", want, env.Data)
		}
	}
	t.Fatalf("no %s message", want)
	return Envelope{}
}

// readState waits for the next state frame matching cond.
func readState(t *testing.T, conn *websocket.Conn, cond func(*GameState) bool) GameState {
	t.Helper()
	for i := 0; i < 500; i++ {
		env := readEnvelope(t, conn)
		if env.T != MsgState {
			continue
		}
		gs := env.Data.(GameState)
		if cond(&gs) {
			return gs
		}
	}
	t.Fatal("no matching state")
	return GameState{}
}

// sendMsg sends a typed message over the WebSocket.
func sendMsg(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	env := Envelope{T: msgType, Data: data}
	raw, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write WS: %v", err)
	}
}

// dataMap extracts the Data field as map[string]interface{}.
func dataMap(t *testing.T, env Envelope) map[string]interface{} {
	t.Helper()
	raw, _ := json.Marshal(env.Data)
	var m map[string]interface{}
	json.Unmarshal(raw, &m)
	return m
}

// decodeData re-decodes the Data field into v.
func decodeData(t *testing.T, env Envelope, v interface{}) {
	t.Helper()
	raw, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", env.T, err)
	}
}

// createAndJoin creates a session then joins it. Returns the session ID and
// the player ID.
func createAndJoin(t *testing.T, conn *websocket.Conn, name, sname string) (string, int32) {
	t.Helper()
	sendMsg(t, conn, "create", map[string]string{"name": name, "sname": sname})
	created := readEnvelope(t, conn)
	if created.T != MsgCreated {
		t.Fatalf("expected created, got %s", created.T)
	}
	sid := dataMap(t, created)["sid"].(string)

	sendMsg(t, conn, "join", map[string]string{"name": name, "sid": sid})
	joined := readEnvelope(t, conn)
	if joined.T != MsgJoined {
		t.Fatalf("expected joined, got %s", joined.T)
	}
	welcome := readEnvelope(t, conn)
	if welcome.T != MsgWelcome {
		t.Fatalf("expected welcome, got %s", welcome.T)
	}
	var w WelcomeMsg
	decodeData(t, welcome, &w)
	return sid, w.ID
}

// registerOperator creates an operator account over conn.
func registerOperator(t *testing.T, conn *websocket.Conn, username string) AuthOKMsg {
	t.Helper()
	sendMsg(t, conn, "register", map[string]string{"username": username, "password": "correct horse"})
	env := readUntil(t, conn, MsgAuthOK)
	var ok AuthOKMsg
	decodeData(t, env, &ok)
	return ok
}

// ---------- UUID generation ----------

func TestGenerateUUIDFormat(t *testing.T) {
	for i := 0; i < 20; i++ {
		id := GenerateUUID()
		if !uuidRegex.MatchString(id) {
			t.Errorf("GenerateUUID() = %q, does not match UUID v4 format", id)
		}
	}
}

func TestGenerateUUIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateUUID()
		if seen[id] {
			t.Fatalf("duplicate UUID generated: %s", id)
		}
		seen[id] = true
	}
}

// ---------- Session check protocol ----------

func TestCheckSessionExists(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c1 := dialWS(t, wsURL)
	sid, _ := createAndJoin(t, c1, "Amoeba", "Dish")

	c2 := dialWS(t, wsURL)
	sendMsg(t, c2, "check", map[string]string{"sid": sid})

	checked := readEnvelope(t, c2)
	if checked.T != MsgChecked {
		t.Fatalf("expected checked, got %s", checked.T)
	}
	d := dataMap(t, checked)
	if d["exists"] != true {
		t.Error("expected exists=true")
	}
	if d["sid"] != sid {
		t.Errorf("expected sid=%s, got %s", sid, d["sid"])
	}
	if d["name"] != "Dish" {
		t.Errorf("expected name=Dish, got %v", d["name"])
	}
	if d["players"].(float64) != 1 {
		t.Errorf("expected 1 player, got %v", d["players"])
	}
}

func TestCheckSessionNotExists(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	fakeSID := GenerateUUID()
	sendMsg(t, c, "check", map[string]string{"sid": fakeSID})

	checked := readEnvelope(t, c)
	if checked.T != MsgChecked {
		t.Fatalf("expected checked, got %s", checked.T)
	}
	d := dataMap(t, checked)
	if d["exists"] != false {
		t.Error("expected exists=false for non-existent session")
	}
}

// ---------- Join flow ----------

func TestJoinViaSessionID(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c1 := dialWS(t, wsURL)
	sid, p1 := createAndJoin(t, c1, "Alice", "Culture")

	c2 := dialWS(t, wsURL)
	sendMsg(t, c2, "join", map[string]string{"name": "Bob", "sid": sid})
	joinedMsg := readEnvelope(t, c2)
	if joinedMsg.T != MsgJoined {
		t.Fatalf("expected joined, got %s", joinedMsg.T)
	}
	if got := dataMap(t, joinedMsg)["sid"]; got != sid {
		t.Errorf("expected to join session %s, got %v", sid, got)
	}

	welcomeMsg := readEnvelope(t, c2)
	if welcomeMsg.T != MsgWelcome {
		t.Fatalf("expected welcome, got %s", welcomeMsg.T)
	}
	var w WelcomeMsg
	decodeData(t, welcomeMsg, &w)
	if w.ID == p1 || w.ID <= 0 {
		t.Errorf("unexpected second player id %d (first %d)", w.ID, p1)
	}
	if w.Width != 2000 || w.Height != 2000 {
		t.Errorf("expected 2000x2000 map, got %dx%d", w.Width, w.Height)
	}
}

func TestJoinNonExistentSession(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	sendMsg(t, c, "join", map[string]string{"name": "Lost", "sid": GenerateUUID()})

	errMsg := readEnvelope(t, c)
	if errMsg.T != MsgError {
		t.Fatalf("expected error, got %s", errMsg.T)
	}
}

func TestJoinTwiceRejected(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	sid, _ := createAndJoin(t, c, "Greedy", "Once")
	sendMsg(t, c, "join", map[string]string{"name": "Greedy", "sid": sid})
	env := readUntil(t, c, MsgError)
	if msg := dataMap(t, env)["msg"]; msg != "already in a session" {
		t.Errorf("unexpected error %v", msg)
	}
}

func TestDefaultPlayerName(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	_, pid := createAndJoin(t, c, "   ", "Nameless")
	gs := readState(t, c, func(gs *GameState) bool {
		_, ok := gs.Player(pid)
		return ok
	})
	if p, _ := gs.Player(pid); p.Name != "Cell" {
		t.Errorf("expected default name Cell, got %q", p.Name)
	}
}

// ---------- Session lifecycle ----------

func TestCreateAndLeaveSession(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	sid, _ := createAndJoin(t, c, "Solo", "Temp")

	c2 := dialWS(t, wsURL)
	sendMsg(t, c2, "check", map[string]string{"sid": sid})
	if dataMap(t, readEnvelope(t, c2))["exists"] != true {
		t.Fatal("session should exist")
	}

	sendMsg(t, c, "leave", nil)
	time.Sleep(SessionIdleTimeout + 100*time.Millisecond)

	sendMsg(t, c2, "check", map[string]string{"sid": sid})
	if dataMap(t, readEnvelope(t, c2))["exists"] != false {
		t.Error("session should be cleaned up after last player leaves")
	}
}

func TestDisconnectCleansUpSession(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c1 := dialWS(t, wsURL)
	sid, _ := createAndJoin(t, c1, "Temp", "Ephemeral")
	c1.Close()

	time.Sleep(SessionIdleTimeout + 100*time.Millisecond)

	c2 := dialWS(t, wsURL)
	sendMsg(t, c2, "check", map[string]string{"sid": sid})
	if dataMap(t, readEnvelope(t, c2))["exists"] != false {
		t.Error("session should be cleaned up after disconnect")
	}
}

func TestLeaveWithoutJoining(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	sendMsg(t, c, "leave", nil)

	sendMsg(t, c, "list", nil)
	if env := readEnvelope(t, c); env.T != MsgSessions {
		t.Fatalf("expected sessions, got %s", env.T)
	}
}

func TestListSessions(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	sendMsg(t, c, "list", nil)
	listMsg := readEnvelope(t, c)
	if listMsg.T != MsgSessions {
		t.Fatalf("expected sessions, got %s", listMsg.T)
	}
	var sessions []SessionInfo
	decodeData(t, listMsg, &sessions)
	if len(sessions) != 0 {
		t.Errorf("expected 0 sessions, got %d", len(sessions))
	}

	c2 := dialWS(t, wsURL)
	createAndJoin(t, c2, "P1", "Petri1")
	// Let one broadcast record the entity count.
	readUntil(t, c2, MsgState)

	sendMsg(t, c, "list", nil)
	var sessions2 []SessionInfo
	decodeData(t, readEnvelope(t, c), &sessions2)
	if len(sessions2) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions2))
	}
	if sessions2[0].Name != "Petri1" {
		t.Errorf("expected session name Petri1, got %s", sessions2[0].Name)
	}
	if sessions2[0].Players != 1 {
		t.Errorf("expected 1 player, got %d", sessions2[0].Players)
	}
	if sessions2[0].Entities == 0 {
		t.Error("expected the pellets to be counted")
	}
}

// ---------- State and input ----------

func TestGameStateBroadcasts(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	_, pid := createAndJoin(t, c, "Tester", "StateTest")

	gs := readState(t, c, func(gs *GameState) bool {
		p, ok := gs.Player(pid)
		return ok && p.Cells == 1
	})
	if gs.Tick == 0 {
		t.Error("state should have a tick")
	}
	if len(gs.Entities) != gs.Count {
		t.Errorf("count %d does not match %d drawables", gs.Count, len(gs.Entities))
	}
	next := readState(t, c, func(*GameState) bool { return true })
	if next.Tick <= gs.Tick {
		t.Errorf("expected increasing ticks, got %d after %d", next.Tick, gs.Tick)
	}
}

func TestBinaryInputSplits(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	_, pid := createAndJoin(t, c, "Splitter", "BinaryTest")
	readState(t, c, func(gs *GameState) bool {
		p, ok := gs.Player(pid)
		return ok && p.Cells == 1
	})

	frame := make([]byte, binaryInputLen)
	frame[0] = binaryInputTag
	binary.BigEndian.PutUint32(frame[1:5], uint32(int32(1900)))
	binary.BigEndian.PutUint32(frame[5:9], uint32(int32(100)))
	frame[9] = inputSplit
	if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write binary input: %v", err)
	}

	gs := readState(t, c, func(gs *GameState) bool {
		p, ok := gs.Player(pid)
		return ok && p.Cells == 2
	})
	if p, _ := gs.Player(pid); p.Mass < StartMass {
		t.Errorf("split lost mass, got %d", p.Mass)
	}
}

func TestInputBeforeJoin(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	sendMsg(t, c, "input", ClientInput{MX: 100, MY: 100, Split: true})
	sendMsg(t, c, "split", nil)

	sendMsg(t, c, "list", nil)
	if env := readEnvelope(t, c); env.T != MsgSessions {
		t.Fatalf("expected sessions, got %s", env.T)
	}
}

func TestSpawnWhileAliveRejected(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	_, pid := createAndJoin(t, c, "Alive", "SpawnTest")
	readState(t, c, func(gs *GameState) bool {
		p, ok := gs.Player(pid)
		return ok && p.Cells == 1
	})
	sendMsg(t, c, "spawn", nil)
	env := readUntil(t, c, MsgError)
	if msg := dataMap(t, env)["msg"]; msg != "still alive" {
		t.Errorf("unexpected error %v", msg)
	}
}

// ---------- Operator actions ----------

func TestOperatorOnlyMessages(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	createAndJoin(t, c, "Guest", "Locked")
	for _, typ := range []string{MsgSave, MsgLoad, MsgSaves, MsgSettings} {
		sendMsg(t, c, typ, map[string]string{"name": "x"})
		env := readUntil(t, c, MsgError)
		if msg := dataMap(t, env)["msg"]; msg != "not authenticated" {
			t.Errorf("%s: unexpected error %v", typ, msg)
		}
	}
}

func TestOperatorSaveAndLoad(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	ok := registerOperator(t, c, "admin")
	if ok.OperatorID <= 0 || ok.Token == "" {
		t.Fatalf("unexpected auth reply %+v", ok)
	}
	_, pid := createAndJoin(t, c, "Admin", "Saves")
	readState(t, c, func(gs *GameState) bool {
		p, ok := gs.Player(pid)
		return ok && p.Cells == 1
	})

	sendMsg(t, c, "save", SaveMsg{Name: "first"})
	var saved SavedMsg
	decodeData(t, readUntil(t, c, MsgSaved), &saved)
	if saved.Name != "first" || saved.Entities < 2 || saved.Bytes == 0 {
		t.Fatalf("unexpected save reply %+v", saved)
	}

	sendMsg(t, c, "saves", nil)
	var list []SaveRow
	decodeData(t, readUntil(t, c, MsgSaveList), &list)
	if len(list) != 1 || list[0].Name != "first" || list[0].Tick != saved.Tick {
		t.Fatalf("unexpected save list %+v", list)
	}

	sendMsg(t, c, "load", SaveMsg{Name: "first"})
	var loaded SavedMsg
	decodeData(t, readUntil(t, c, MsgLoaded), &loaded)
	if loaded.Tick != saved.Tick || loaded.Entities != saved.Entities {
		t.Errorf("loaded %+v, saved %+v", loaded, saved)
	}
	readState(t, c, func(gs *GameState) bool { return gs.Tick > saved.Tick })

	sendMsg(t, c, "load", SaveMsg{Name: "missing"})
	env := readUntil(t, c, MsgError)
	if msg := dataMap(t, env)["msg"]; msg != ErrSaveNotFound.Error() {
		t.Errorf("unexpected error %v", msg)
	}
}

func TestOperatorSettingsPersist(t *testing.T) {
	_, wsURL, hub := startTestServer(t)

	c := dialWS(t, wsURL)
	registerOperator(t, c, "tuner")
	createAndJoin(t, c, "Tuner", "Knobs")

	s := testSettings()
	s.CollisionIterations = 7
	s.Width = 2500
	sendMsg(t, c, "settings", SettingsMsg{Settings: s, Persist: true})
	env := readUntil(t, c, MsgApplied)
	d := dataMap(t, env)
	if d["collision_iterations"].(float64) != 7 || d["width"].(float64) != 2500 {
		t.Errorf("unexpected applied settings %v", d)
	}

	if got := hub.sessions.Defaults(); got.CollisionIterations != 7 {
		t.Errorf("defaults not updated: %+v", got)
	}
	raw := hub.db.GetSetting(settingsKey)
	if !strings.Contains(raw, `"collision_iterations":7`) {
		t.Errorf("settings not persisted: %s", raw)
	}
}

func TestAuthResumeWithToken(t *testing.T) {
	_, wsURL, _ := startTestServer(t)

	c1 := dialWS(t, wsURL)
	first := registerOperator(t, c1, "resume")

	c2 := dialWS(t, wsURL)
	sendMsg(t, c2, "auth", AuthMsg{Token: first.Token})
	var again AuthOKMsg
	decodeData(t, readUntil(t, c2, MsgAuthOK), &again)
	if again.OperatorID != first.OperatorID || again.Username != "resume" {
		t.Errorf("unexpected resume %+v, first %+v", again, first)
	}

	sendMsg(t, c2, "auth", AuthMsg{Token: first.Token + "x"})
	if env := readEnvelope(t, c2); env.T != MsgError {
		t.Errorf("expected error for a forged token, got %s", env.T)
	}
}

// ---------- HTTP endpoints ----------

func TestQRCode(t *testing.T) {
	srv, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	sid, _ := createAndJoin(t, c, "Scanner", "QR")

	resp, err := http.Get(srv.URL + "/qr/" + sid)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("GET /qr status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected image/png, got %q", ct)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != qrSize || b.Dy() != qrSize {
		t.Errorf("expected %dx%d image, got %v", qrSize, qrSize, b)
	}

	for _, path := range []string{"/qr/" + GenerateUUID(), "/qr/not-a-uuid"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv, wsURL, _ := startTestServer(t)

	c := dialWS(t, wsURL)
	createAndJoin(t, c, "Healthy", "Health")

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "ok" || h.Sessions != 1 || h.Clients != 1 || h.Conns != 1 {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestConnectionLimitPerIP(t *testing.T) {
	srv, wsURL, _ := startTestServer(t)

	for i := 0; i < maxConnsPerIP; i++ {
		dialWS(t, wsURL)
	}
	// The hub tracks connections asynchronously from the handler.
	time.Sleep(50 * time.Millisecond)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected the extra connection to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %v", resp)
	}
	_ = srv
}
