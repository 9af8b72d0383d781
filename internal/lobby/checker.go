// internal/lobby/checker.go
package lobby

import (
	"time"

	"github.com/google/uuid"
)

// Decision is a checker's answer to a proposed membership change.
type Decision int

const (
	// Accept applies the change.
	Accept Decision = iota
	// Reject leaves the lobby untouched and nacks the user.
	Reject
	// AcceptAndReady applies the change and marks the lobby ready for launch.
	AcceptAndReady
	// Unviable applies the change and reports the lobby can never become
	// ready; the lobby is disbanded.
	Unviable
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case AcceptAndReady:
		return "accept_and_ready"
	case Unviable:
		return "unviable"
	}
	return "unknown"
}

// Verdict is the result of one evaluation.
type Verdict struct {
	Decision Decision
	Reason   string
}

// ChangeKind is the type of a proposed membership change.
type ChangeKind int

const (
	ChangeJoin ChangeKind = iota
	ChangeLeave
)

// Change is a proposed membership change.
type Change struct {
	Kind   ChangeKind
	UserID uuid.UUID
}

// Snapshot is the read-only view of a lobby handed to a checker.
type Snapshot struct {
	ID         uuid.UUID
	Members    []uuid.UUID
	State      State
	CreatedAt  time.Time
	LastChange time.Time
}

// Contains reports whether id is a member.
func (s Snapshot) Contains(id uuid.UUID) bool {
	for _, m := range s.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Checker decides whether a membership change is admitted. Evaluate must be
// a pure function of its arguments.
type Checker interface {
	Evaluate(snap Snapshot, change Change) Verdict
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc func(snap Snapshot, change Change) Verdict

func (f CheckerFunc) Evaluate(snap Snapshot, change Change) Verdict {
	return f(snap, change)
}

// SizeChecker admits joins until the lobby holds Size members and reports
// the lobby ready the moment it is full.
type SizeChecker struct {
	Size int
}

const (
	ReasonLobbyFull = "lobby_full"
	ReasonDuplicate = "duplicate_member"
)

func (c SizeChecker) Evaluate(snap Snapshot, change Change) Verdict {
	switch change.Kind {
	case ChangeJoin:
		if snap.Contains(change.UserID) {
			return Verdict{Decision: Reject, Reason: ReasonDuplicate}
		}
		n := len(snap.Members) + 1
		if c.Size > 0 && n > c.Size {
			return Verdict{Decision: Reject, Reason: ReasonLobbyFull}
		}
		if n == c.Size {
			return Verdict{Decision: AcceptAndReady}
		}
		return Verdict{Decision: Accept}
	case ChangeLeave:
		return Verdict{Decision: Accept}
	}
	return Verdict{Decision: Reject}
}
