package state

import (
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"deedvault/core/types"
	"deedvault/native/escrow"
	"deedvault/native/registry"
	"deedvault/storage"
)

// Manager reads and writes the settlement state: principal accounts, escrow
// listings and registry tokens. It satisfies the state interfaces the native
// engines consume. Values are RLP-encoded under keccak-hashed prefixed keys.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	accountPrefix    = []byte("account:")
	listingPrefix    = []byte("escrow/listing:")
	tokenPrefix      = []byte("registry/token:")
	tokenCountKey    = ethcrypto.Keccak256([]byte("registry/token-count"))
	genesisDoneKey   = ethcrypto.Keccak256([]byte("genesis/applied"))
	escrowVaultBytes = ethcrypto.Keccak256([]byte("deedvault/escrow/vault"))
)

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func idKey(prefix []byte, id uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], id)
	return ethcrypto.Keccak256(buf)
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	ok, err := m.db.Has(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	data, err := m.db.Get(key)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// --- Accounts ---

// GetAccount loads the account for the given address. Unknown addresses read
// as fresh zero-balance accounts.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	data, ok, err := m.get(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	acc := types.NewAccount()
	if err := rlp.DecodeBytes(data, acc); err != nil {
		return nil, fmt.Errorf("decode account %x: %w", addr, err)
	}
	return acc, nil
}

// PutAccount persists the account for the given address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("nil account")
	}
	encoded, err := rlp.EncodeToBytes(account.Clone())
	if err != nil {
		return fmt.Errorf("encode account %x: %w", addr, err)
	}
	return m.db.Put(accountKey(addr), encoded)
}

// --- Escrow listings ---

// ListingPut persists a sanitized copy of the listing.
func (m *Manager) ListingPut(l *escrow.Listing) error {
	sanitized, err := escrow.SanitizeListing(l)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(sanitized)
	if err != nil {
		return fmt.Errorf("encode listing %d: %w", sanitized.TokenID, err)
	}
	return m.db.Put(idKey(listingPrefix, sanitized.TokenID), encoded)
}

// ListingGet loads the listing for the token id, reporting whether it exists.
func (m *Manager) ListingGet(tokenID uint64) (*escrow.Listing, bool) {
	data, ok, err := m.get(idKey(listingPrefix, tokenID))
	if err != nil || !ok {
		return nil, false
	}
	listing := new(escrow.Listing)
	if err := rlp.DecodeBytes(data, listing); err != nil {
		return nil, false
	}
	return listing, true
}

// EscrowVaultAddress returns the module address holding the pooled custody
// funds and listed tokens. It is derived, not key-controlled.
func (m *Manager) EscrowVaultAddress() [20]byte {
	var addr [20]byte
	copy(addr[:], escrowVaultBytes[12:])
	return addr
}

// --- Registry tokens ---

// TokenPut persists a sanitized copy of the token record.
func (m *Manager) TokenPut(t *registry.Token) error {
	sanitized, err := registry.SanitizeToken(t)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(sanitized)
	if err != nil {
		return fmt.Errorf("encode token %d: %w", sanitized.ID, err)
	}
	return m.db.Put(idKey(tokenPrefix, sanitized.ID), encoded)
}

// TokenGet loads the token record for the id, reporting whether it exists.
func (m *Manager) TokenGet(id uint64) (*registry.Token, bool) {
	data, ok, err := m.get(idKey(tokenPrefix, id))
	if err != nil || !ok {
		return nil, false
	}
	token := new(registry.Token)
	if err := rlp.DecodeBytes(data, token); err != nil {
		return nil, false
	}
	return token, true
}

// TokenCount returns the number of tokens minted so far.
func (m *Manager) TokenCount() (uint64, error) {
	data, ok, err := m.get(tokenCountKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var count uint64
	if err := rlp.DecodeBytes(data, &count); err != nil {
		return 0, fmt.Errorf("decode token count: %w", err)
	}
	return count, nil
}

// SetTokenCount records the high-water token id.
func (m *Manager) SetTokenCount(count uint64) error {
	encoded, err := rlp.EncodeToBytes(count)
	if err != nil {
		return err
	}
	return m.db.Put(tokenCountKey, encoded)
}

// --- Genesis ---

// GenesisApplied reports whether the one-time genesis allocations have been
// written to this database.
func (m *Manager) GenesisApplied() (bool, error) {
	return m.db.Has(genesisDoneKey)
}

// SetGenesisApplied marks the genesis allocations as written.
func (m *Manager) SetGenesisApplied() error {
	return m.db.Put(genesisDoneKey, []byte{1})
}
