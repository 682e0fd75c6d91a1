// Package address derives the deterministic account addresses under which a
// user's resources are stored on both venues.
//
// An address is blake3-256(namespace || 0x00 || seed). The separator byte
// keeps namespaces from bleeding into seeds ("ab"+"c" vs "a"+"bc").
package address

import (
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/quickbet/settlement/internal/model"
)

// Size is the byte length of an address.
const Size = 32

// NamespaceDelegation is the namespace of custody records. The seed is the
// address of the delegated account.
const NamespaceDelegation = "delegation"

// ErrInvalidAddress is returned when parsing a malformed hex address.
var ErrInvalidAddress = errors.New("address: invalid hex address")

// Address is a 32-byte account address.
type Address [Size]byte

// Derive computes the address for seed within namespace.
func Derive(namespace string, seed []byte) Address {
	buf := make([]byte, 0, len(namespace)+1+len(seed))
	buf = append(buf, namespace...)
	buf = append(buf, 0)
	buf = append(buf, seed...)
	return Address(blake3.Sum256(buf))
}

// For returns the address of a user's resource of the given kind.
func For(kind model.ResourceKind, owner model.UserID) Address {
	return Derive(string(kind), []byte(owner))
}

// CustodyRecord returns the address of the custody record guarding addr.
func CustodyRecord(addr Address) Address {
	return Derive(NamespaceDelegation, addr[:])
}

// Set holds the three resource addresses of one user.
type Set struct {
	Owner     model.UserID
	Profile   Address
	AuthState Address
	ActiveBet Address
}

// ForUser derives every resource address of owner.
func ForUser(owner model.UserID) Set {
	return Set{
		Owner:     owner,
		Profile:   For(model.ResourceProfile, owner),
		AuthState: For(model.ResourceAuthState, owner),
		ActiveBet: For(model.ResourceActiveBet, owner),
	}
}

// Of returns the address of one resource kind in the set.
func (s Set) Of(kind model.ResourceKind) Address {
	switch kind {
	case model.ResourceProfile:
		return s.Profile
	case model.ResourceAuthState:
		return s.AuthState
	default:
		return s.ActiveBet
	}
}

// All returns the resource addresses in model.Resources order.
func (s Set) All() []Address {
	return []Address{s.Profile, s.AuthState, s.ActiveBet}
}

// Records returns the custody record addresses in model.Resources order.
func (s Set) Records() []Address {
	return []Address{CustodyRecord(s.Profile), CustodyRecord(s.AuthState), CustodyRecord(s.ActiveBet)}
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Parse decodes a hex address.
func Parse(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != Size {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	copy(a[:], b)
	return a, nil
}
