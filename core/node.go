package core

import (
	"fmt"
	"math/big"
	"sync"

	"deedvault/core/events"
	"deedvault/core/state"
	"deedvault/core/types"
	"deedvault/crypto"
	"deedvault/native/escrow"
	"deedvault/native/registry"
	"deedvault/storage"
)

// Parties are the three fixed principal identities shared across all listings
// managed by one node.
type Parties struct {
	Seller    [20]byte
	Inspector [20]byte
	Lender    [20]byte
}

// GenesisAllocation credits a principal account at first start. It exists so
// deployments can seed buyer and lender balances the way the reference
// environment pre-funds its signers.
type GenesisAllocation struct {
	Address crypto.Address
	Balance *big.Int
}

// Node wires the storage, state manager and native engines together and
// serializes every mutating operation behind one mutex. The engines assume
// calls are applied one at a time; the node is where that assumption is
// enforced.
type Node struct {
	db       storage.Database
	state    *state.Manager
	escrow   *escrow.Engine
	registry *registry.Engine
	log      *eventLog

	stateMu sync.Mutex
}

// NewNode builds a node over the given database with the fixed party
// configuration. Genesis allocations are applied exactly once per database.
func NewNode(db storage.Database, parties Parties, allocations []GenesisAllocation) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database required")
	}
	manager := state.NewManager(db)
	log := newEventLog(256)

	registryEngine := registry.NewEngine()
	registryEngine.SetState(manager)
	registryEngine.SetEmitter(log)

	escrowEngine := escrow.NewEngine()
	escrowEngine.SetState(manager)
	escrowEngine.SetRegistry(registryEngine)
	escrowEngine.SetParties(parties.Seller, parties.Inspector, parties.Lender)
	escrowEngine.SetEmitter(log)

	n := &Node{
		db:       db,
		state:    manager,
		escrow:   escrowEngine,
		registry: registryEngine,
		log:      log,
	}
	if err := n.applyGenesis(allocations); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) applyGenesis(allocations []GenesisAllocation) error {
	applied, err := n.state.GenesisApplied()
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	for _, alloc := range allocations {
		if alloc.Balance == nil || alloc.Balance.Sign() <= 0 {
			continue
		}
		acc, err := n.state.GetAccount(alloc.Address.Bytes())
		if err != nil {
			return err
		}
		acc.Balance = new(big.Int).Add(acc.Balance, alloc.Balance)
		if err := n.state.PutAccount(alloc.Address.Bytes(), acc); err != nil {
			return err
		}
	}
	return n.state.SetGenesisApplied()
}

// SetEventEmitter forwards engine events to the supplied emitter in addition
// to the node's in-memory log. Passing nil keeps only the log.
func (n *Node) SetEventEmitter(emitter events.Emitter) {
	n.log.setDownstream(emitter)
}

// RecentEvents returns a copy of the most recent engine events, oldest first.
func (n *Node) RecentEvents() []*types.Event {
	return n.log.snapshot()
}

// Parties returns the configured seller, inspector and lender identities.
func (n *Node) Parties() Parties {
	return Parties{
		Seller:    n.escrow.Seller(),
		Inspector: n.escrow.Inspector(),
		Lender:    n.escrow.Lender(),
	}
}

// EscrowVaultAddress returns the custody vault account. Sellers approve this
// address as the token operator before listing.
func (n *Node) EscrowVaultAddress() [20]byte {
	return n.state.EscrowVaultAddress()
}

// --- Registry operations ---

func (n *Node) RegistryMint(caller [20]byte, metadataURI string) (*registry.Token, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.registry.Mint(caller, metadataURI)
}

func (n *Node) RegistryApprove(caller, operator [20]byte, tokenID uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.registry.Approve(caller, operator, tokenID)
}

func (n *Node) RegistryOwnerOf(tokenID uint64) ([20]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.registry.OwnerOf(tokenID)
}

func (n *Node) RegistryTokenURI(tokenID uint64) (string, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.registry.TokenURI(tokenID)
}

func (n *Node) RegistryTotalSupply() (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.registry.TotalSupply()
}

// --- Escrow operations ---

func (n *Node) EscrowList(caller [20]byte, tokenID uint64, buyer [20]byte, price, escrowAmount *big.Int) (*escrow.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.List(caller, tokenID, buyer, price, escrowAmount)
}

func (n *Node) EscrowDepositEarnest(caller [20]byte, tokenID uint64, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.DepositEarnest(caller, tokenID, amount)
}

func (n *Node) EscrowUpdateInspection(caller [20]byte, tokenID uint64, passed bool) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.UpdateInspectionStatus(caller, tokenID, passed)
}

func (n *Node) EscrowApproveSale(caller [20]byte, tokenID uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.ApproveSale(caller, tokenID)
}

func (n *Node) EscrowFinalizeSale(caller [20]byte, tokenID uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.FinalizeSale(caller, tokenID)
}

func (n *Node) EscrowReceive(from [20]byte, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.Receive(from, amount)
}

func (n *Node) EscrowGetListing(tokenID uint64) (*escrow.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.GetListing(tokenID)
}

func (n *Node) EscrowApproval(tokenID uint64, addr [20]byte) bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.Approval(tokenID, addr)
}

func (n *Node) EscrowBalance() (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrow.Balance()
}

// AccountBalance returns the native balance of any principal account.
func (n *Node) AccountBalance(addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	acc, err := n.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}
