package registry

import (
	"encoding/hex"
	"strconv"

	"deedvault/core/types"
)

const (
	EventTypeMinted      = "registry.minted"
	EventTypeApproved    = "registry.approved"
	EventTypeTransferred = "registry.transferred"
)

// NewMintedEvent returns the canonical event payload for a freshly minted
// token.
func NewMintedEvent(t *Token) *types.Event {
	return newTokenEvent(EventTypeMinted, t)
}

// NewApprovedEvent returns the event payload emitted when the owner
// designates an operator.
func NewApprovedEvent(t *Token) *types.Event {
	evt := newTokenEvent(EventTypeApproved, t)
	evt.Attributes["operator"] = hex.EncodeToString(t.Approved[:])
	return evt
}

// NewTransferredEvent returns the event payload emitted when token custody
// changes hands.
func NewTransferredEvent(t *Token, from [20]byte) *types.Event {
	evt := newTokenEvent(EventTypeTransferred, t)
	evt.Attributes["from"] = hex.EncodeToString(from[:])
	return evt
}

func newTokenEvent(eventType string, t *Token) *types.Event {
	attrs := make(map[string]string)
	if t == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["tokenId"] = strconv.FormatUint(t.ID, 10)
	attrs["owner"] = hex.EncodeToString(t.Owner[:])
	attrs["uri"] = t.URI
	return &types.Event{Type: eventType, Attributes: attrs}
}
