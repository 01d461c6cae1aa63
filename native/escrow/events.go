package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"deedvault/core/types"
)

const (
	EventTypeListed            = "escrow.listed"
	EventTypeEarnestDeposited  = "escrow.earnest_deposited"
	EventTypeInspectionUpdated = "escrow.inspection_updated"
	EventTypeSaleApproved      = "escrow.sale_approved"
	EventTypeFundsReceived     = "escrow.funds_received"
	EventTypeSaleFinalized     = "escrow.sale_finalized"
)

// NewListedEvent returns the canonical event payload for a newly opened
// listing.
func NewListedEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeListed, l, nil)
}

// NewEarnestDepositedEvent returns the event payload emitted when the buyer
// places the earnest deposit into custody.
func NewEarnestDepositedEvent(l *Listing, from [20]byte, amount *big.Int) *types.Event {
	evt := newListingEvent(EventTypeEarnestDeposited, l, nil)
	evt.Attributes["from"] = hex.EncodeToString(from[:])
	evt.Attributes["amount"] = amount.String()
	return evt
}

// NewInspectionUpdatedEvent returns the event payload emitted when the
// inspector records an outcome.
func NewInspectionUpdatedEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeInspectionUpdated, l, nil)
}

// NewSaleApprovedEvent returns the event payload emitted when a party records
// consent.
func NewSaleApprovedEvent(l *Listing, approver [20]byte) *types.Event {
	evt := newListingEvent(EventTypeSaleApproved, l, nil)
	evt.Attributes["approver"] = hex.EncodeToString(approver[:])
	return evt
}

// NewFundsReceivedEvent returns the event payload for a bare transfer into the
// custody pool. It carries no listing attributes because the pool is shared.
func NewFundsReceivedEvent(from [20]byte, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeFundsReceived,
		Attributes: map[string]string{
			"from":   hex.EncodeToString(from[:]),
			"amount": amount.String(),
		},
	}
}

// NewSaleFinalizedEvent returns the event payload for an atomically settled
// sale.
func NewSaleFinalizedEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeSaleFinalized, l, nil)
}

func newListingEvent(eventType string, l *Listing, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeListing(l)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["tokenId"] = strconv.FormatUint(sanitized.TokenID, 10)
	attrs["listed"] = strconv.FormatBool(sanitized.IsListed)
	attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	attrs["purchasePrice"] = sanitized.PurchasePrice.String()
	attrs["escrowAmount"] = sanitized.EscrowAmount.String()
	attrs["inspectionPassed"] = strconv.FormatBool(sanitized.InspectionPassed)
	attrs["approvals"] = strconv.Itoa(len(sanitized.Approvals))
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
