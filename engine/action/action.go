// Package action defines the deferred intents workers queue against an
// entity instead of mutating its fields directly, and the per-entity
// two-stage mailbox that carries them to the apply phase.
package action

import (
	"fmt"

	"cellsim/engine/geom"
)

// Kind tags an Action.
type Kind uint8

const (
	// AddPosition moves the entity by Vec (rounded, saturating).
	AddPosition Kind = iota + 1
	// AddSpeed adds Vec to the velocity.
	AddSpeed
	// AddMass adds N to the mass, clamped to the entity's bounds.
	AddMass
	// AddTimer adds N ticks to Timer. A negative result disables the timer.
	AddTimer
	// Killed tells the entity that slot From wants to eat it. From is -1
	// when nothing gets the mass (lifetime expiry).
	Killed
	// KilledConfirmed marks the entity dead; From is the final recipient
	// of its mass.
	KilledConfirmed
	// SetColor replaces the colour with N.
	SetColor
	// Split divides the entity into N pieces launched along Vec.
	Split
	// Throw ejects a child along Vec.
	Throw
)

var kindNames = [...]string{
	AddPosition:     "AddPosition",
	AddSpeed:        "AddSpeed",
	AddMass:         "AddMass",
	AddTimer:        "AddTimer",
	Killed:          "Killed",
	KilledConfirmed: "KilledConfirmed",
	SetColor:        "SetColor",
	Split:           "Split",
	Throw:           "Throw",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Timer selects one of an entity's countdowns.
type Timer uint8

const (
	CollisionImmunity Timer = iota
	MergeImmunity
	InertiaDecay
	Lifetime
	ThrowCooldown

	NumTimers
)

// Action is one queued intent.
type Action struct {
	Kind  Kind
	Timer Timer
	Vec   geom.Vec
	N     int64
	From  int32
}

// Position returns an AddPosition action.
func Position(d geom.Vec) Action { return Action{Kind: AddPosition, Vec: d, From: -1} }

// Speed returns an AddSpeed action.
func Speed(d geom.Vec) Action { return Action{Kind: AddSpeed, Vec: d, From: -1} }

// Mass returns an AddMass action.
func Mass(n int64) Action { return Action{Kind: AddMass, N: n, From: -1} }

// TimerDelta returns an AddTimer action.
func TimerDelta(t Timer, ticks int64) Action {
	return Action{Kind: AddTimer, Timer: t, N: ticks, From: -1}
}

// Kill returns a Killed action from the given slot.
func Kill(from int32) Action { return Action{Kind: Killed, From: from} }

// Confirm returns a KilledConfirmed action naming the mass recipient.
func Confirm(to int32) Action { return Action{Kind: KilledConfirmed, From: to} }

// Color returns a SetColor action.
func Color(c uint32) Action { return Action{Kind: SetColor, N: int64(c), From: -1} }

// SplitInto returns a Split action.
func SplitInto(count int, dir geom.Vec) Action {
	return Action{Kind: Split, N: int64(count), Vec: dir, From: -1}
}

// ThrowToward returns a Throw action.
func ThrowToward(dir geom.Vec) Action { return Action{Kind: Throw, Vec: dir, From: -1} }
