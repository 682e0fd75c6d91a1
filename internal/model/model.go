// Package model defines the core domain types shared across the settlement core.
// Points and prices are fixed-point unsigned integers; never float64.
package model

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// UserID identifies the owner of a points account, delegation ticket and
// wager slot. It is also the seed used for address derivation.
type UserID string

// Price6 is a price scaled to exactly 6 implied decimal digits.
type Price6 uint64

// PriceDecimals is the number of implied decimals carried by Price6.
const PriceDecimals = 6

// Decimal renders the fixed-point price as an exact decimal for display.
func (p Price6) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(p)), -PriceDecimals)
}

func (p Price6) String() string {
	return p.Decimal().StringFixed(PriceDecimals)
}

// Direction is the side of a wager.
type Direction uint8

const (
	DirectionDown Direction = 0
	DirectionUp   Direction = 1

	// DirectionUnknown is what a missing or unrecognised wire value decodes
	// to, so that validation can report it in its proper order.
	DirectionUnknown Direction = 0xff
)

// Valid reports whether d is one of the two supported directions.
func (d Direction) Valid() bool {
	return d == DirectionDown || d == DirectionUp
}

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText accepts "up"/"down" (any case) and "1"/"0". Anything else
// decodes to an invalid direction rather than failing.
func (d *Direction) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "up", "1":
		*d = DirectionUp
	case "down", "0":
		*d = DirectionDown
	default:
		*d = DirectionUnknown
	}
	return nil
}

// UnmarshalJSON accepts a string as UnmarshalText does, or a bare 0 or 1.
// Any other number decodes to DirectionUnknown. null leaves d unchanged.
func (d *Direction) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return d.UnmarshalText([]byte(s))
	}
	return d.UnmarshalText(b)
}

// Status is the lifecycle state of a wager slot.
type Status uint8

const (
	// StatusNone marks a slot that has never been opened. It is not
	// resolvable.
	StatusNone   Status = 0
	StatusActive Status = 1
	StatusWon    Status = 2
	StatusLost   Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusWon:
		return "won"
	case StatusLost:
		return "lost"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusWon || s == StatusLost
}

// PointsAccount holds one user's points balance.
type PointsAccount struct {
	Owner   UserID `json:"owner"`
	Balance uint64 `json:"balance"`
}

// DelegationTicket records which venue controls a user's resources.
// Nonce increases by exactly one per accepted delegation request.
type DelegationTicket struct {
	Owner       UserID `json:"owner"`
	IsDelegated bool   `json:"is_delegated"`
	DelegatedAt int64  `json:"delegated_at"`
	Nonce       uint64 `json:"nonce"`
}

// Wager is a user's single reusable wager slot.
// ResolvedPrice stays zero while the wager is Active.
type Wager struct {
	Owner         UserID    `json:"owner"`
	Asset         string    `json:"asset"`
	Direction     Direction `json:"direction"`
	Stake         uint64    `json:"stake"`
	OpenedPrice   Price6    `json:"opened_price"`
	Expiry        int64     `json:"expiry"`
	ResolvedPrice Price6    `json:"resolved_price"`
	Status        Status    `json:"status"`
}

// ResourceKind names one of the three per-user resources. The value doubles
// as the address derivation namespace.
type ResourceKind string

const (
	ResourceProfile   ResourceKind = "profile"
	ResourceAuthState ResourceKind = "auth_state"
	ResourceActiveBet ResourceKind = "active_bet"
)

// Resources lists every per-user resource in a stable order.
var Resources = []ResourceKind{ResourceProfile, ResourceAuthState, ResourceActiveBet}

// Valid reports whether k is a known resource kind.
func (k ResourceKind) Valid() bool {
	switch k {
	case ResourceProfile, ResourceAuthState, ResourceActiveBet:
		return true
	}
	return false
}

// CustodyState says which venue physically holds an address's bytes.
type CustodyState uint8

const (
	CustodyPrimary   CustodyState = 0
	CustodySecondary CustodyState = 1
	// CustodyReturned means the bytes were committed back to the primary
	// venue; the record is kept so the post-return window is observable.
	CustodyReturned CustodyState = 2
)

func (c CustodyState) String() string {
	switch c {
	case CustodySecondary:
		return "secondary"
	case CustodyReturned:
		return "returned"
	default:
		return "primary"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c CustodyState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// CustodyRecord is the primary venue's marker for an address whose bytes
// were handed to the secondary venue.
type CustodyRecord struct {
	Owner     UserID       `json:"owner"`
	State     CustodyState `json:"state"`
	UpdatedAt int64        `json:"updated_at"`
}

// AccessMode selects the control path an operation runs through.
type AccessMode uint8

const (
	Direct AccessMode = iota
	Delegated
)

func (m AccessMode) String() string {
	if m == Delegated {
		return "delegated"
	}
	return "direct"
}

// Phase is the observable position of a user in the delegation handoff.
type Phase string

const (
	PhaseLocal     Phase = "local"
	PhaseRequested Phase = "requested"
	PhasePartial   Phase = "partial"
	PhaseDelegated Phase = "delegated"
	// PhaseReturned: custody is back on the primary venue but the ticket is
	// still flagged until the local finalize call runs.
	PhaseReturned Phase = "returned"
)

// Snapshot is the state of one user's resources after an operation.
type Snapshot struct {
	User    UserID                        `json:"user"`
	Account *PointsAccount                `json:"account,omitempty"`
	Ticket  *DelegationTicket             `json:"ticket,omitempty"`
	Wager   *Wager                        `json:"wager,omitempty"`
	Phase   Phase                         `json:"phase,omitempty"`
	Custody map[ResourceKind]CustodyState `json:"custody,omitempty"`
}
