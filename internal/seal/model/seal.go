package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
)

// Role says whether this node broadcasts a seal or only observes one.
type Role string

const (
	RoleWrite Role = "WRITE"
	RoleRead  Role = "READ"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleWrite || r == RoleRead }

// State is the lifecycle position of a record, derived from its flags.
type State string

const (
	StatePendingWrite        State = "PENDING_WRITE"
	StateWrittenUnconfirmed  State = "WRITTEN_UNCONFIRMED"
	StateWatchingUnconfirmed State = "WATCHING_UNCONFIRMED"
	StateFailedRead          State = "FAILED_READ"
	StateConfirmed           State = "CONFIRMED"
)

// Record tracks one fingerprint's anchoring on the ledger.
// A record is identified by (Link, Role).
type Record struct {
	Link           string            `json:"link"                      db:"link"`
	Role           Role              `json:"role"                      db:"role"`
	Permalink      string            `json:"permalink,omitempty"       db:"permalink"`
	PrevLink       string            `json:"prev_link,omitempty"       db:"prev_link"`
	BasePubKey     blockchain.PubKey `json:"base_pub_key"              db:"-"`
	Address        string            `json:"address"                   db:"address"`
	PrevAddress    string            `json:"prev_address,omitempty"    db:"prev_address"`
	KeyFingerprint string            `json:"key_fingerprint,omitempty" db:"key_fingerprint"`
	TxID           string            `json:"tx_id,omitempty"           db:"tx_id"`
	Confirmations  int64             `json:"confirmations"             db:"confirmations"`
	Unsealed       bool              `json:"unsealed"                  db:"unsealed"`
	Unwatched      bool              `json:"unwatched"                 db:"unwatched"`
	DateCreated    time.Time         `json:"date_created"              db:"date_created"`
	DateSealed     *time.Time        `json:"date_sealed,omitempty"     db:"date_sealed"`
	DateUpdated    time.Time         `json:"date_updated"              db:"date_updated"`
	// State is computed at read time against the ledger's threshold.
	State State `json:"state,omitempty" db:"-"`
}

// ComputeState derives the record's state for the given confirmation threshold.
func (r *Record) ComputeState(threshold int64) State {
	if r.Confirmations >= threshold {
		return StateConfirmed
	}
	if r.Role == RoleRead {
		if r.Unwatched {
			return StateFailedRead
		}
		return StateWatchingUnconfirmed
	}
	if r.Unsealed {
		return StatePendingWrite
	}
	return StateWrittenUnconfirmed
}

// Confirmed reports whether the record has reached threshold.
func (r *Record) Confirmed(threshold int64) bool { return r.Confirmations >= threshold }

// Addresses returns the addresses a seal for this record pays to.
func (r *Record) Addresses() []string {
	if r.PrevAddress == "" {
		return []string{r.Address}
	}
	return []string{r.Address, r.PrevAddress}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.DateSealed != nil {
		t := *r.DateSealed
		c.DateSealed = &t
	}
	return &c
}

// EventType names an outbound engine event.
type EventType string

const (
	// EventWroteSeal fires when this node's broadcast reaches the threshold.
	EventWroteSeal EventType = "wroteseal"
	// EventReadSeal fires when an observed counterparty seal reaches the threshold.
	EventReadSeal EventType = "readseal"
)

// Event is a domain event carrying the full record.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	Record     Record    `json:"record"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CreateRequest asks the node to seal a fingerprint with one of its keys.
type CreateRequest struct {
	KeyFingerprint string `json:"key_fingerprint" binding:"required"`
	Link           string `json:"link"            binding:"required"`
	Permalink      string `json:"permalink"`
	PrevLink       string `json:"prev_link"`
}

// WatchRequest asks the node to observe a counterparty's seal.
type WatchRequest struct {
	BasePubKey blockchain.PubKey `json:"base_pub_key" binding:"required"`
	Link       string            `json:"link"         binding:"required"`
	Permalink  string            `json:"permalink"`
	PrevLink   string            `json:"prev_link"`
}

// FailurePolicy holds the grace periods after which non-progressing records
// are reclassified as failed.
type FailurePolicy struct {
	ReadGrace  time.Duration `json:"read_grace"`
	WriteGrace time.Duration `json:"write_grace"`
}

// UniformPolicy applies one grace period to reads and writes.
func UniformPolicy(grace time.Duration) FailurePolicy {
	return FailurePolicy{ReadGrace: grace, WriteGrace: grace}
}

// SealReport summarizes one SealPending cycle.
type SealReport struct {
	Groups   int      `json:"groups"`
	Sealed   int      `json:"sealed"`
	Failed   int      `json:"failed"`
	TxIDs    []string `json:"tx_ids,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Duration string   `json:"duration"`
}

// SyncReport summarizes one SyncUnconfirmed cycle.
type SyncReport struct {
	Checked     int    `json:"checked"`
	Updated     int    `json:"updated"`
	Confirmed   int    `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	Error       string `json:"error,omitempty"`
}

// FailureReport summarizes one HandleFailures pass.
type FailureReport struct {
	FailedReads  int      `json:"failed_reads"`
	FailedWrites int      `json:"failed_writes"`
	Errors       []string `json:"errors,omitempty"`
}
