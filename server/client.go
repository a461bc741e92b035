package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cellsim/engine/sim"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 8192
	sendBufSize       = 256
	maxMessagesPerSec = 50
	maxNameLen        = 16
	maxSessionNameLen = 30
	maxSaveNameLen    = 64

	settingsKey = "sim_settings"
)

// Client represents a WebSocket connection
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	msgCount   int
	msgResetAt time.Time

	mu        sync.Mutex
	playerID  int32
	sessionID string
	// Auth state
	operatorID int64  // 0 = unauthenticated
	username   string // "" = unauthenticated
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufSize),
		remoteAddr: remoteAddr,
	}
}

// session returns the joined session and player, sid is "" outside one.
func (c *Client) session() (string, int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.playerID
}

func (c *Client) setSession(sid string, pid int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID, c.playerID = sid, pid
}

func (c *Client) operator() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.operatorID
}

func (c *Client) setOperator(id int64, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operatorID, c.username = id, username
}

// game returns the game of the joined session, or nil.
func (c *Client) game() (*Game, int32) {
	sid, pid := c.session()
	if sid == "" {
		return nil, 0
	}
	sess := c.hub.sessions.GetSession(sid)
	if sess == nil {
		return nil, 0
	}
	return sess.Game, pid
}

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.hub.TrackDisconnect(c.remoteAddr)
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws error: %v", err)
			}
			break
		}

		// Rate limiting
		now := time.Now()
		if now.After(c.msgResetAt) {
			c.msgCount = 0
			c.msgResetAt = now.Add(time.Second)
		}
		c.msgCount++
		if c.msgCount > maxMessagesPerSec {
			log.Printf("rate limit exceeded for %s, disconnecting", c.remoteAddr)
			break
		}

		if msgType == websocket.BinaryMessage {
			if len(message) == binaryInputLen && message[0] == binaryInputTag {
				c.handleBinaryInput(message)
			}
			continue
		}
		c.handleMessage(message)
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// Check for binary marker (0xFF prefix from SendBinary)
			var err error
			if len(message) > 0 && message[0] == 0xFF {
				err = c.conn.WriteMessage(websocket.BinaryMessage, message[1:])
			} else {
				err = c.conn.WriteMessage(websocket.TextMessage, message)
			}
			if err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendJSON sends a JSON message to the client
func (c *Client) SendJSON(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("marshal error: %v", err)
		return
	}
	c.SendRaw(data)
}

// SendRaw sends pre-marshaled bytes as a text message to the client
func (c *Client) SendRaw(data []byte) {
	defer func() { recover() }()
	select {
	case c.send <- data:
	default:
		// Client too slow, drop message
	}
}

// SendBinary sends pre-marshaled bytes as a binary WebSocket message
// Prefixes with 0xFF marker byte so WritePump can distinguish from text
func (c *Client) SendBinary(data []byte) {
	defer func() { recover() }()
	msg := make([]byte, len(data)+1)
	msg[0] = 0xFF // binary marker
	copy(msg[1:], data)
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) sendError(msg string) {
	c.SendJSON(Envelope{T: MsgError, Data: ErrorMsg{Msg: msg}})
}

// handleMessage routes incoming messages (single-pass decode via InEnvelope)
func (c *Client) handleMessage(raw []byte) {
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("unmarshal error: %v", err)
		return
	}

	switch env.T {
	case MsgList:
		c.handleList()
	case MsgCreate:
		c.handleCreate(env.D)
	case MsgJoin:
		c.handleJoin(env.D)
	case MsgInput:
		c.handleInput(env.D)
	case MsgSplit:
		if g, pid := c.game(); g != nil {
			g.Split(pid)
		}
	case MsgThrow:
		if g, pid := c.game(); g != nil {
			g.Throw(pid)
		}
	case MsgSpawn:
		c.handleSpawn()
	case MsgLeave:
		c.handleLeave()
	case MsgCheck:
		c.handleCheck(env.D)
	case MsgRegister:
		c.handleRegister(env.D)
	case MsgLogin:
		c.handleLogin(env.D)
	case MsgAuth:
		c.handleAuth(env.D)
	case MsgSave:
		c.handleSave(env.D)
	case MsgLoad:
		c.handleLoad(env.D)
	case MsgSaves:
		c.handleSaves()
	case MsgSettings:
		c.handleSettings(env.D)
	}
}

func (c *Client) handleList() {
	sessions := c.hub.sessions.ListSessions()
	c.SendJSON(Envelope{T: MsgSessions, Data: sessions})
}

func (c *Client) handleCreate(data json.RawMessage) {
	var msg CreateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	sname := ClampName(msg.SessionName, maxSessionNameLen, "Petri Dish")

	if msg.Settings != nil {
		if err := msg.Settings.Normalize().Validate(); err != nil {
			c.sendError(err.Error())
			return
		}
	}
	sess, err := c.hub.sessions.CreateSession(sname, msg.Settings)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	c.hub.sessions.MarkActive(sess.ID)
	c.SendJSON(Envelope{T: MsgCreated, Data: map[string]string{"sid": sess.ID}})
}

func (c *Client) handleJoin(data json.RawMessage) {
	var msg JoinMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	name := ClampName(msg.Name, maxNameLen, "Cell")

	if sid, _ := c.session(); sid != "" {
		c.sendError("already in a session")
		return
	}
	sess := c.hub.sessions.GetSession(msg.SessionID)
	if sess == nil {
		c.sendError("session not found")
		return
	}

	pid, err := sess.Game.AddPlayer(name)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	c.hub.sessions.MarkActive(sess.ID)
	c.setSession(sess.ID, pid)

	s := sess.Game.Settings()
	c.SendJSON(Envelope{T: MsgJoined, Data: map[string]string{"sid": sess.ID}})
	c.SendJSON(Envelope{T: MsgWelcome, Data: WelcomeMsg{ID: pid, Width: s.Width, Height: s.Height}})
	// State frames only after the welcome.
	sess.Game.SetClient(pid, c)
}

// handleBinaryInput decodes a compact binary input frame
func (c *Client) handleBinaryInput(msg []byte) {
	g, pid := c.game()
	if g == nil {
		return
	}
	flags := msg[9]
	g.HandleInput(pid, ClientInput{
		MX:    int32(binary.BigEndian.Uint32(msg[1:5])),
		MY:    int32(binary.BigEndian.Uint32(msg[5:9])),
		Split: flags&inputSplit != 0,
		Throw: flags&inputThrow != 0,
	})
}

func (c *Client) handleInput(data json.RawMessage) {
	g, pid := c.game()
	if g == nil {
		return
	}
	var input ClientInput
	if err := json.Unmarshal(data, &input); err != nil {
		return
	}
	g.HandleInput(pid, input)
}

func (c *Client) handleSpawn() {
	g, pid := c.game()
	if g == nil {
		return
	}
	if !g.Respawn(pid) {
		c.sendError("still alive")
	}
}

func (c *Client) handleCheck(data json.RawMessage) {
	var msg CheckMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	sess := c.hub.sessions.GetSession(msg.SID)
	if sess == nil {
		c.SendJSON(Envelope{T: MsgChecked, Data: CheckedMsg{SID: msg.SID, Exists: false}})
		return
	}
	c.SendJSON(Envelope{T: MsgChecked, Data: CheckedMsg{
		SID:     msg.SID,
		Exists:  true,
		Name:    sess.Name,
		Players: sess.Game.PlayerCount(),
	}})
}

func (c *Client) handleLeave() {
	sid, pid := c.session()
	if sid == "" {
		return
	}
	c.hub.sessions.RemovePlayer(sid, pid)
	c.setSession("", 0)
}

func (c *Client) handleRegister(data json.RawMessage) {
	if c.hub.auth == nil {
		return
	}
	var msg RegisterMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	id, token, err := c.hub.auth.Register(msg.Username, msg.Password)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	c.setOperator(id, msg.Username)
	c.SendJSON(Envelope{T: MsgAuthOK, Data: AuthOKMsg{
		Token:      token,
		Username:   msg.Username,
		OperatorID: id,
	}})
}

func (c *Client) handleLogin(data json.RawMessage) {
	if c.hub.auth == nil {
		return
	}
	var msg LoginMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	id, token, err := c.hub.auth.Login(msg.Username, msg.Password, c.remoteAddr)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	c.setOperator(id, msg.Username)
	c.SendJSON(Envelope{T: MsgAuthOK, Data: AuthOKMsg{
		Token:      token,
		Username:   msg.Username,
		OperatorID: id,
	}})
}

func (c *Client) handleAuth(data json.RawMessage) {
	if c.hub.auth == nil {
		return
	}
	var msg AuthMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	id, username, err := c.hub.auth.ValidateToken(msg.Token)
	if err != nil {
		c.sendError("invalid token")
		return
	}
	c.setOperator(id, username)
	c.SendJSON(Envelope{T: MsgAuthOK, Data: AuthOKMsg{
		Token:      msg.Token,
		Username:   username,
		OperatorID: id,
	}})
}

// operatorGame returns the joined game if the client is an authenticated
// operator, replying with an error otherwise.
func (c *Client) operatorGame() *Game {
	if c.hub.db == nil || c.operator() == 0 {
		c.sendError("not authenticated")
		return nil
	}
	g, _ := c.game()
	if g == nil {
		c.sendError("not in a session")
	}
	return g
}

func (c *Client) handleSave(data json.RawMessage) {
	g := c.operatorGame()
	if g == nil {
		return
	}
	var msg SaveMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	name := ClampName(msg.Name, maxSaveNameLen, "")
	if name == "" {
		c.sendError("save name required")
		return
	}
	d, err := g.Dump()
	if err != nil {
		c.sendError(err.Error())
		return
	}
	raw, err := sim.EncodeDump(d)
	if err != nil {
		log.Printf("encode dump: %v", err)
		c.sendError("internal error")
		return
	}
	if err := c.hub.db.SaveDump(name, c.operator(), d.Tick, len(d.Entities), raw); err != nil {
		log.Printf("save dump: %v", err)
		c.sendError("database error")
		return
	}
	c.SendJSON(Envelope{T: MsgSaved, Data: SavedMsg{Name: name, Tick: d.Tick, Entities: len(d.Entities), Bytes: len(raw)}})
}

func (c *Client) handleLoad(data json.RawMessage) {
	g := c.operatorGame()
	if g == nil {
		return
	}
	var msg SaveMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	raw, err := c.hub.db.LoadDump(msg.Name)
	if errors.Is(err, ErrSaveNotFound) {
		c.sendError(err.Error())
		return
	}
	if err != nil {
		log.Printf("load dump: %v", err)
		c.sendError("database error")
		return
	}
	d, err := sim.DecodeDump(raw)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if err := g.Restore(d); err != nil {
		c.sendError(err.Error())
		return
	}
	loaded := Envelope{T: MsgLoaded, Data: SavedMsg{Name: msg.Name, Tick: d.Tick, Entities: len(d.Entities), Bytes: len(raw)}}
	g.broadcastMsg(loaded)
	if _, pid := c.game(); !g.HasPlayer(pid) {
		// The dump did not know our player.
		c.SendJSON(loaded)
	}
}

func (c *Client) handleSaves() {
	if c.hub.db == nil || c.operator() == 0 {
		c.sendError("not authenticated")
		return
	}
	saves, err := c.hub.db.ListSaves()
	if err != nil {
		log.Printf("list saves: %v", err)
		c.sendError("database error")
		return
	}
	if saves == nil {
		saves = []SaveRow{}
	}
	c.SendJSON(Envelope{T: MsgSaveList, Data: saves})
}

func (c *Client) handleSettings(data json.RawMessage) {
	g := c.operatorGame()
	if g == nil {
		return
	}
	var msg SettingsMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("bad settings")
		return
	}
	s, err := g.ApplySettings(msg.Settings)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if msg.Persist {
		raw, err := json.Marshal(s)
		if err == nil {
			err = c.hub.db.SetSetting(settingsKey, string(raw))
		}
		if err != nil {
			log.Printf("persist settings: %v", err)
			c.sendError("database error")
			return
		}
		c.hub.sessions.SetDefaults(s)
	}
	g.broadcastMsg(Envelope{T: MsgApplied, Data: s})
}
