package escrow

import (
	"fmt"
	"math/big"
)

// Listing captures the per-property record of a proposed sale. It is created
// by List, mutated through the settlement lifecycle and never deleted: a
// finalized listing stays queryable with IsListed cleared.
type Listing struct {
	TokenID          uint64
	IsListed         bool
	Buyer            [20]byte
	PurchasePrice    *big.Int
	EscrowAmount     *big.Int
	InspectionPassed bool
	Approvals        [][20]byte
	CreatedAt        uint64
	FinalizedAt      uint64
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.PurchasePrice != nil {
		clone.PurchasePrice = new(big.Int).Set(l.PurchasePrice)
	} else {
		clone.PurchasePrice = big.NewInt(0)
	}
	if l.EscrowAmount != nil {
		clone.EscrowAmount = new(big.Int).Set(l.EscrowAmount)
	} else {
		clone.EscrowAmount = big.NewInt(0)
	}
	if l.Approvals != nil {
		clone.Approvals = make([][20]byte, len(l.Approvals))
		copy(clone.Approvals, l.Approvals)
	}
	return &clone
}

// Approved reports whether the given principal has recorded consent for this
// listing.
func (l *Listing) Approved(addr [20]byte) bool {
	if l == nil {
		return false
	}
	for _, a := range l.Approvals {
		if a == addr {
			return true
		}
	}
	return false
}

// addApproval records consent idempotently; re-approval by the same principal
// neither errors nor double-counts.
func (l *Listing) addApproval(addr [20]byte) {
	if l.Approved(addr) {
		return
	}
	l.Approvals = append(l.Approvals, addr)
}

// SanitizeListing validates and normalises the supplied listing, returning a
// cloned instance with non-nil monetary fields. The original is not mutated.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("nil listing")
	}
	clone := l.Clone()
	if clone.PurchasePrice.Sign() < 0 {
		return nil, fmt.Errorf("purchase price must be non-negative")
	}
	if clone.EscrowAmount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative")
	}
	seen := make(map[[20]byte]struct{}, len(clone.Approvals))
	for _, a := range clone.Approvals {
		if _, ok := seen[a]; ok {
			return nil, fmt.Errorf("duplicate approval entry")
		}
		seen[a] = struct{}{}
	}
	return clone, nil
}
