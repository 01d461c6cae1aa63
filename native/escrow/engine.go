package escrow

import (
	"fmt"
	"math/big"
	"time"

	"deedvault/core/events"
	"deedvault/core/types"
)

type engineState interface {
	ListingPut(*Listing) error
	ListingGet(tokenID uint64) (*Listing, bool)
	EscrowVaultAddress() [20]byte
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// TokenRegistry is the narrow slice of the property registry the settlement
// engine needs: ownership queries and operator transfers. The engine acts as
// the operator the seller approved ahead of listing.
type TokenRegistry interface {
	OwnerOf(tokenID uint64) ([20]byte, error)
	Transfer(operator [20]byte, tokenID uint64, from, to [20]byte) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine coordinates the multi-party sale of a tokenized property: the seller
// lists, the buyer deposits earnest money, the inspector attests, all three
// parties approve, and the seller finalizes. Funds taken into custody are
// pooled in a single vault account shared by every listing the engine
// manages; finalization checks the aggregate balance, not a per-listing
// partition.
type Engine struct {
	state     engineState
	registry  TokenRegistry
	emitter   events.Emitter
	seller    [20]byte
	inspector [20]byte
	lender    [20]byte
	nowFn     func() int64
}

// NewEngine creates a settlement engine with a no-op emitter. Callers wire
// state, registry and the fixed party addresses via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRegistry configures the property token registry the engine custodies
// tokens for.
func (e *Engine) SetRegistry(registry TokenRegistry) { e.registry = registry }

// SetParties fixes the seller, inspector and lender identities. They are
// configuration shared by all listings, not per-listing data.
func (e *Engine) SetParties(seller, inspector, lender [20]byte) {
	e.seller = seller
	e.inspector = inspector
	e.lender = lender
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Seller returns the configured seller identity.
func (e *Engine) Seller() [20]byte { return e.seller }

// Inspector returns the configured inspector identity.
func (e *Engine) Inspector() [20]byte { return e.inspector }

// Lender returns the configured lender identity.
func (e *Engine) Lender() [20]byte { return e.lender }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return types.NewAccount()
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func (e *Engine) loadListing(tokenID uint64) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	listing, ok := e.state.ListingGet(tokenID)
	if !ok {
		return nil, fmt.Errorf("token %d: %w", tokenID, ErrUnknownListing)
	}
	return listing, nil
}

func (e *Engine) storeListing(l *Listing) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.ListingPut(l)
}

// transferFunds moves native currency between two principal accounts. The
// debit side must cover the amount in full.
func (e *Engine) transferFunds(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("account %x: %w", from, ErrInsufficientFunds)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// List takes the property token into custody and opens a listing for it.
// Only the configured seller may list, the token must currently be owned by
// the seller, and a token id is never relisted once it has gone through
// finalization.
func (e *Engine) List(caller [20]byte, tokenID uint64, buyer [20]byte, price, escrowAmount *big.Int) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	if caller != e.seller {
		return nil, fmt.Errorf("list requires seller: %w", ErrUnauthorized)
	}
	priceAmt := cloneBigInt(price)
	if priceAmt.Sign() <= 0 {
		return nil, fmt.Errorf("purchase price must be positive: %w", ErrInvalidState)
	}
	earnest := cloneBigInt(escrowAmount)
	if earnest.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative: %w", ErrInvalidState)
	}
	if existing, ok := e.state.ListingGet(tokenID); ok {
		if existing.IsListed {
			return nil, fmt.Errorf("token %d already listed: %w", tokenID, ErrInvalidState)
		}
		return nil, fmt.Errorf("token %d already settled: %w", tokenID, ErrInvalidState)
	}
	owner, err := e.registry.OwnerOf(tokenID)
	if err != nil {
		return nil, err
	}
	if owner != e.seller {
		return nil, fmt.Errorf("token %d not owned by seller: %w", tokenID, ErrInvalidState)
	}
	vault := e.state.EscrowVaultAddress()
	if err := e.registry.Transfer(vault, tokenID, e.seller, vault); err != nil {
		return nil, fmt.Errorf("token custody transfer: %w", err)
	}
	listing := &Listing{
		TokenID:       tokenID,
		IsListed:      true,
		Buyer:         buyer,
		PurchasePrice: priceAmt,
		EscrowAmount:  earnest,
		CreatedAt:     uint64(e.now()),
	}
	if err := e.storeListing(listing); err != nil {
		return nil, err
	}
	e.emit(NewListedEvent(listing))
	return listing.Clone(), nil
}

// DepositEarnest places the buyer's upfront payment into the pooled custody
// vault. Only the listing's buyer may deposit, and the attached amount must
// meet the listing's escrow amount.
func (e *Engine) DepositEarnest(caller [20]byte, tokenID uint64, amount *big.Int) error {
	listing, err := e.loadListing(tokenID)
	if err != nil {
		return err
	}
	if !listing.IsListed {
		return fmt.Errorf("token %d not listed: %w", tokenID, ErrInvalidState)
	}
	if caller != listing.Buyer {
		return fmt.Errorf("deposit requires listing buyer: %w", ErrUnauthorized)
	}
	amt := cloneBigInt(amount)
	if amt.Cmp(listing.EscrowAmount) < 0 {
		return fmt.Errorf("earnest %s below escrow amount %s: %w", amt, listing.EscrowAmount, ErrInsufficientFunds)
	}
	vault := e.state.EscrowVaultAddress()
	if err := e.transferFunds(caller, vault, amt); err != nil {
		return err
	}
	e.emit(NewEarnestDepositedEvent(listing, caller, amt))
	return nil
}

// UpdateInspectionStatus records the inspection outcome. Only the configured
// inspector may attest.
func (e *Engine) UpdateInspectionStatus(caller [20]byte, tokenID uint64, passed bool) error {
	listing, err := e.loadListing(tokenID)
	if err != nil {
		return err
	}
	if caller != e.inspector {
		return fmt.Errorf("inspection requires inspector: %w", ErrUnauthorized)
	}
	listing.InspectionPassed = passed
	if err := e.storeListing(listing); err != nil {
		return err
	}
	e.emit(NewInspectionUpdatedEvent(listing))
	return nil
}

// ApproveSale records the caller's consent for the listing. Approvals only
// grow until finalization and re-approval is idempotent.
func (e *Engine) ApproveSale(caller [20]byte, tokenID uint64) error {
	listing, err := e.loadListing(tokenID)
	if err != nil {
		return err
	}
	if caller != listing.Buyer && caller != e.seller && caller != e.lender {
		return fmt.Errorf("approval requires buyer, seller or lender: %w", ErrUnauthorized)
	}
	listing.addApproval(caller)
	if err := e.storeListing(listing); err != nil {
		return err
	}
	e.emit(NewSaleApprovedEvent(listing, caller))
	return nil
}

// FinalizeSale settles the listing: the property token moves to the buyer,
// exactly the purchase price moves from the pooled vault to the seller, and
// the listing becomes inert. Every precondition is checked before any effect
// is applied, so a failure leaves state untouched.
func (e *Engine) FinalizeSale(caller [20]byte, tokenID uint64) error {
	listing, err := e.loadListing(tokenID)
	if err != nil {
		return err
	}
	if e.registry == nil {
		return errNilRegistry
	}
	if caller != e.seller {
		return fmt.Errorf("finalize requires seller: %w", ErrUnauthorized)
	}
	if !listing.IsListed {
		return fmt.Errorf("token %d not listed: %w", tokenID, ErrInvalidState)
	}
	if !listing.InspectionPassed {
		return fmt.Errorf("inspection not passed: %w", ErrInvalidState)
	}
	for _, required := range [][20]byte{listing.Buyer, e.seller, e.lender} {
		if !listing.Approved(required) {
			return fmt.Errorf("approval missing for %x: %w", required, ErrInvalidState)
		}
	}
	vault := e.state.EscrowVaultAddress()
	pooled, err := e.Balance()
	if err != nil {
		return err
	}
	if pooled.Cmp(listing.PurchasePrice) < 0 {
		return fmt.Errorf("custody pool %s below purchase price %s: %w", pooled, listing.PurchasePrice, ErrInsufficientFunds)
	}
	if err := e.registry.Transfer(vault, tokenID, vault, listing.Buyer); err != nil {
		return fmt.Errorf("token settlement transfer: %w", err)
	}
	if err := e.transferFunds(vault, e.seller, listing.PurchasePrice); err != nil {
		return err
	}
	listing.IsListed = false
	listing.FinalizedAt = uint64(e.now())
	if err := e.storeListing(listing); err != nil {
		return err
	}
	e.emit(NewSaleFinalizedEvent(listing))
	return nil
}

// Receive accepts a bare fund transfer into the pooled custody vault. Any
// principal may top up custody unconditionally; the lender uses this to
// supply the remainder of the purchase price.
func (e *Engine) Receive(from [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("escrow: received amount must be positive")
	}
	vault := e.state.EscrowVaultAddress()
	if err := e.transferFunds(from, vault, amt); err != nil {
		return err
	}
	e.emit(NewFundsReceivedEvent(from, amt))
	return nil
}

// --- Read accessors ---
//
// The simple per-listing getters are total functions: a token id that was
// never listed reads as the zero value. GetListing is the one accessor that
// reports ErrUnknownListing, for callers that need to distinguish absence.

// GetListing returns the stored listing for the token id.
func (e *Engine) GetListing(tokenID uint64) (*Listing, error) {
	return e.loadListing(tokenID)
}

// IsListed reports whether the token id has an open listing.
func (e *Engine) IsListed(tokenID uint64) bool {
	if e == nil || e.state == nil {
		return false
	}
	listing, ok := e.state.ListingGet(tokenID)
	return ok && listing.IsListed
}

// Buyer returns the buyer recorded for the token id.
func (e *Engine) Buyer(tokenID uint64) [20]byte {
	if e == nil || e.state == nil {
		return [20]byte{}
	}
	listing, ok := e.state.ListingGet(tokenID)
	if !ok {
		return [20]byte{}
	}
	return listing.Buyer
}

// PurchasePrice returns the purchase price recorded for the token id.
func (e *Engine) PurchasePrice(tokenID uint64) *big.Int {
	if e == nil || e.state == nil {
		return big.NewInt(0)
	}
	listing, ok := e.state.ListingGet(tokenID)
	if !ok {
		return big.NewInt(0)
	}
	return cloneBigInt(listing.PurchasePrice)
}

// EscrowAmount returns the earnest requirement recorded for the token id.
func (e *Engine) EscrowAmount(tokenID uint64) *big.Int {
	if e == nil || e.state == nil {
		return big.NewInt(0)
	}
	listing, ok := e.state.ListingGet(tokenID)
	if !ok {
		return big.NewInt(0)
	}
	return cloneBigInt(listing.EscrowAmount)
}

// InspectionPassed reports the recorded inspection outcome for the token id.
func (e *Engine) InspectionPassed(tokenID uint64) bool {
	if e == nil || e.state == nil {
		return false
	}
	listing, ok := e.state.ListingGet(tokenID)
	return ok && listing.InspectionPassed
}

// Approval reports whether the given principal has approved the listing.
func (e *Engine) Approval(tokenID uint64, addr [20]byte) bool {
	if e == nil || e.state == nil {
		return false
	}
	listing, ok := e.state.ListingGet(tokenID)
	if !ok {
		return false
	}
	return listing.Approved(addr)
}

// Balance returns the pooled custody total held by the vault across all
// listings.
func (e *Engine) Balance() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	vault := e.state.EscrowVaultAddress()
	acc, err := e.state.GetAccount(vault[:])
	if err != nil {
		return nil, err
	}
	return ensureAccount(acc).Balance, nil
}
