package engagement

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Status represents the lifecycle states of an engagement as tracked by the
// escrow ledger. The off-chain record carries a denormalized copy that may
// lag; the ledger value always wins on conflict.
type Status uint8

const (
	StatusPending Status = iota
	StatusActive
	StatusCompleted
	StatusDisputed
	StatusCancelled
)

// Party identifies one of the two engagement participants.
type Party uint8

const (
	PartySeeker Party = iota
	PartyConsultant
)

// Engagement mirrors the on-chain state of a single escrowed consultation
// agreement. The ledger identifier is assigned by the escrow contract when
// the locking transaction confirms; a zero LedgerID means the engagement is
// still an off-chain draft.
type Engagement struct {
	LedgerID           uint64
	Seeker             [20]byte
	Consultant         [20]byte
	Amount             *big.Int
	MetaDigest         [32]byte
	Status             Status
	SeekerApproved     bool
	ConsultantApproved bool
	CreatedAt          int64
	CompletedAt        int64
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (e *Engagement) Clone() *Engagement {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusDisputed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDisputed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusDisputed:
		return "disputed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus converts the wire representation used by the ledger RPC and the
// record store back into a Status value.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return StatusPending, nil
	case "active":
		return StatusActive, nil
	case "completed":
		return StatusCompleted, nil
	case "disputed":
		return StatusDisputed, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return 0, fmt.Errorf("engagement: unknown status %q", raw)
	}
}

func (p Party) Valid() bool {
	return p == PartySeeker || p == PartyConsultant
}

func (p Party) String() string {
	switch p {
	case PartySeeker:
		return "seeker"
	case PartyConsultant:
		return "consultant"
	default:
		return fmt.Sprintf("party(%d)", uint8(p))
	}
}

// ParseParty converts the wire representation into a Party value.
func ParseParty(raw string) (Party, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "seeker":
		return PartySeeker, nil
	case "consultant":
		return PartyConsultant, nil
	default:
		return 0, fmt.Errorf("engagement: unknown party %q", raw)
	}
}

// Metadata carries the human-readable engagement details. Only the digest is
// ever submitted to the ledger; the plaintext lives in the record store.
type Metadata struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description"`
	Timeline    string `json:"timeline,omitempty" yaml:"timeline"`
}

// Digest computes the Keccak-256 fingerprint of the metadata. Fields are
// length-prefixed before hashing so shifting bytes between fields always
// yields a distinct digest.
func (m Metadata) Digest() [32]byte {
	var buf []byte
	for _, field := range []string{m.Title, m.Description, m.Timeline} {
		var l [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(l[:], uint64(len(field)))
		buf = append(buf, l[:n]...)
		buf = append(buf, field...)
	}
	return ethcrypto.Keccak256Hash(buf)
}

// Sanitize validates the supplied engagement and returns a cloned instance
// with a non-nil amount field. The original value is not mutated.
func Sanitize(e *Engagement) (*Engagement, error) {
	if e == nil {
		return nil, fmt.Errorf("engagement: nil engagement")
	}
	clone := e.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("engagement: amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("engagement: invalid status %d", clone.Status)
	}
	if clone.Seeker == clone.Consultant {
		return nil, fmt.Errorf("engagement: seeker and consultant must differ")
	}
	if clone.Status != StatusActive && (clone.SeekerApproved || clone.ConsultantApproved) && clone.Status != StatusCompleted && clone.Status != StatusDisputed {
		return nil, fmt.Errorf("engagement: approvals recorded in status %s", clone.Status)
	}
	return clone, nil
}
