package main

import (
	"encoding/json"

	"cellsim/engine/sim"
)

// Client -> Server message types
const (
	MsgJoin   = "join"
	MsgLeave  = "leave"
	MsgInput  = "input"
	MsgSplit  = "split"
	MsgThrow  = "throw"
	MsgSpawn  = "spawn"  // respawn a cell after being eaten
	MsgCreate = "create" // create session
	MsgList   = "list"   // list sessions
	MsgCheck  = "check"  // check if session exists

	MsgRegister = "register"
	MsgLogin    = "login"
	MsgAuth     = "auth"

	// Operator only
	MsgSave     = "save"
	MsgLoad     = "load"
	MsgSaves    = "saves"
	MsgSettings = "settings"
)

// Server -> Client message types
const (
	MsgState    = "state" // binary msgpack frames, never sent as JSON
	MsgWelcome  = "welcome"
	MsgSessions = "sessions"
	MsgJoined   = "joined"
	MsgCreated  = "created" // session created, client should navigate
	MsgError    = "error"
	MsgChecked  = "checked" // session check response
	MsgAuthOK   = "auth_ok"
	MsgSaved    = "saved"
	MsgLoaded   = "loaded"
	MsgSaveList = "save_list"
	MsgApplied  = "applied" // settings rebuilt
)

// binaryInput is the compact input frame:
// [0x01, x(4, big endian), y(4, big endian), flags]
const (
	binaryInputTag = 0x01
	binaryInputLen = 10

	inputSplit = 1 << 0
	inputThrow = 1 << 1
)

// Envelope wraps all outgoing messages with a type field
type Envelope struct {
	T    string      `json:"t"`
	Data interface{} `json:"d,omitempty"`
}

// InEnvelope is used for incoming messages; json.RawMessage avoids a double unmarshal
type InEnvelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// ClientInput moves the player's cells toward a world point.
type ClientInput struct {
	MX    int32 `json:"mx"`
	MY    int32 `json:"my"`
	Split bool  `json:"split,omitempty"`
	Throw bool  `json:"throw,omitempty"`
}

// JoinMsg is sent when player wants to join a session
type JoinMsg struct {
	Name      string `json:"name"`
	SessionID string `json:"sid"`
}

// CreateMsg is sent when player wants to create a session
type CreateMsg struct {
	Name        string        `json:"name"`
	SessionName string        `json:"sname"`
	Settings    *sim.Settings `json:"settings,omitempty"`
}

// GameState is the binary state frame. It is the engine snapshot as is.
type GameState = sim.Snapshot

// WelcomeMsg is sent to a player when they join
type WelcomeMsg struct {
	ID     int32 `json:"id"`
	Width  int32 `json:"w"`
	Height int32 `json:"h"`
}

// SessionInfo is used in the session list
type SessionInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Players  int    `json:"players"`
	Entities int    `json:"entities"`
}

// ErrorMsg sends error to client
type ErrorMsg struct {
	Msg string `json:"msg"`
}

// CheckMsg is sent by client to check if a session exists
type CheckMsg struct {
	SID string `json:"sid"`
}

// CheckedMsg is the response to a session check
type CheckedMsg struct {
	SID     string `json:"sid"`
	Exists  bool   `json:"exists"`
	Name    string `json:"name,omitempty"`
	Players int    `json:"players,omitempty"`
}

// RegisterMsg creates an operator account
type RegisterMsg struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginMsg authenticates an operator
type LoginMsg struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthMsg resumes a session with a stored token
type AuthMsg struct {
	Token string `json:"token"`
}

// AuthOKMsg confirms authentication
type AuthOKMsg struct {
	Token      string `json:"token"`
	Username   string `json:"username"`
	OperatorID int64  `json:"oid"`
}

// SaveMsg names a save slot
type SaveMsg struct {
	Name string `json:"name"`
}

// SavedMsg confirms a save
type SavedMsg struct {
	Name     string `json:"name"`
	Tick     uint64 `json:"tick"`
	Entities int    `json:"entities"`
	Bytes    int    `json:"bytes"`
}

// SettingsMsg replaces the simulation settings of the current session
type SettingsMsg struct {
	Settings sim.Settings `json:"settings"`
	Persist  bool         `json:"persist,omitempty"`
}
