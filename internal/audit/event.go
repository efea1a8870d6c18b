// Package audit implements the append-only audit log.
//
// Every state-changing operation in pipelined records one Event: context
// writes and rollbacks, token issuance and use, breaker transitions, run
// transitions and approval decisions. Events are totally ordered by Seq and
// carry a SHA-256 digest over their canonical JSON form so a stored copy
// can be checked for tampering.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Kind classifies an audit event.
type Kind string

const (
	KindContextWrite      Kind = "context.write"
	KindContextRollback   Kind = "context.rollback"
	KindTokenIssued       Kind = "token.issued"
	KindTokenDenied       Kind = "token.denied"
	KindTokenRejected     Kind = "token.rejected"
	KindTokenConsumed     Kind = "token.consumed"
	KindTokenReleased     Kind = "token.released"
	KindBreakerTransition Kind = "breaker.transition"
	KindRunTransition     Kind = "run.transition"
	KindRecoveryDecision  Kind = "recovery.decision"
	KindApprovalRequested Kind = "approval.requested"
	KindApprovalResolved  Kind = "approval.resolved"
)

// Event is an immutable record of one state transition.
type Event struct {
	Seq     uint64            `json:"seq"`
	ID      string            `json:"id"`
	Time    time.Time         `json:"time"`
	Kind    Kind              `json:"kind"`
	Actor   string            `json:"actor"`
	RunID   string            `json:"run_id,omitempty"`
	Stage   string            `json:"stage,omitempty"`
	Subject string            `json:"subject"`
	Before  string            `json:"before,omitempty"`
	After   string            `json:"after,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	Digest  string            `json:"digest,omitempty"`
}

var (
	ErrMissingKind    = errors.New("audit: event kind is required")
	ErrMissingActor   = errors.New("audit: event actor is required")
	ErrMissingSubject = errors.New("audit: event subject is required")
)

// Validate checks the fields a caller must supply.
func (e Event) Validate() error {
	switch {
	case e.Kind == "":
		return ErrMissingKind
	case e.Actor == "":
		return ErrMissingActor
	case e.Subject == "":
		return ErrMissingSubject
	}
	return nil
}

// digest hashes the canonical JSON of e with Digest cleared. Map keys are
// sorted by encoding/json, so the encoding is stable.
func (e Event) digest() string {
	e.Digest = ""
	b, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether e still matches its recorded digest.
func Verify(e Event) bool {
	return e.Digest != "" && e.Digest == e.digest()
}
