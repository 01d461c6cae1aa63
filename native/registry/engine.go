package registry

import (
	"fmt"
	"strings"

	"deedvault/core/events"
	"deedvault/core/types"
)

type engineState interface {
	TokenPut(*Token) error
	TokenGet(id uint64) (*Token, bool)
	TokenCount() (uint64, error)
	SetTokenCount(count uint64) error
}

type registryEvent struct {
	evt *types.Event
}

func (e registryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e registryEvent) Event() *types.Event { return e.evt }

// Engine owns the unique property tokens: minting, ownership queries and the
// approve/transfer operation that lets a designated operator move a token on
// the owner's behalf. The escrow core is the usual operator.
type Engine struct {
	state   engineState
	emitter events.Emitter
}

// NewEngine creates a registry engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(registryEvent{evt: event})
}

func (e *Engine) loadToken(id uint64) (*Token, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	token, ok := e.state.TokenGet(id)
	if !ok {
		return nil, fmt.Errorf("token %d: %w", id, ErrTokenNotFound)
	}
	return token, nil
}

// Mint creates a new property token owned by the caller. Ids are assigned
// sequentially.
func (e *Engine) Mint(caller [20]byte, metadataURI string) (*Token, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	uri := strings.TrimSpace(metadataURI)
	if uri == "" {
		return nil, fmt.Errorf("registry: metadata URI required")
	}
	count, err := e.state.TokenCount()
	if err != nil {
		return nil, err
	}
	token := &Token{ID: count + 1, Owner: caller, URI: uri}
	if err := e.state.TokenPut(token); err != nil {
		return nil, err
	}
	if err := e.state.SetTokenCount(token.ID); err != nil {
		return nil, err
	}
	e.emit(NewMintedEvent(token))
	return token.Clone(), nil
}

// OwnerOf returns the current owner of the token.
func (e *Engine) OwnerOf(id uint64) ([20]byte, error) {
	token, err := e.loadToken(id)
	if err != nil {
		return [20]byte{}, err
	}
	return token.Owner, nil
}

// TokenURI returns the metadata URI the token was minted with.
func (e *Engine) TokenURI(id uint64) (string, error) {
	token, err := e.loadToken(id)
	if err != nil {
		return "", err
	}
	return token.URI, nil
}

// ApprovedOperator returns the operator approved for the token, if any.
func (e *Engine) ApprovedOperator(id uint64) ([20]byte, error) {
	token, err := e.loadToken(id)
	if err != nil {
		return [20]byte{}, err
	}
	return token.Approved, nil
}

// TotalSupply returns the number of tokens minted so far.
func (e *Engine) TotalSupply() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.TokenCount()
}

// Approve designates an operator allowed to transfer the token on the owner's
// behalf. Only the current owner may approve.
func (e *Engine) Approve(caller, operator [20]byte, id uint64) error {
	token, err := e.loadToken(id)
	if err != nil {
		return err
	}
	if caller != token.Owner {
		return fmt.Errorf("approve requires token owner: %w", ErrUnauthorized)
	}
	token.Approved = operator
	if err := e.state.TokenPut(token); err != nil {
		return err
	}
	e.emit(NewApprovedEvent(token))
	return nil
}

// Transfer moves the token from its current owner to the recipient. The
// operator must be the owner itself or the approved operator; a successful
// transfer clears any standing approval.
func (e *Engine) Transfer(operator [20]byte, id uint64, from, to [20]byte) error {
	token, err := e.loadToken(id)
	if err != nil {
		return err
	}
	if token.Owner != from {
		return fmt.Errorf("token %d not owned by %x: %w", id, from, ErrUnauthorized)
	}
	if operator != token.Owner && operator != token.Approved {
		return fmt.Errorf("operator %x not approved for token %d: %w", operator, id, ErrUnauthorized)
	}
	token.Owner = to
	token.Approved = [20]byte{}
	if err := e.state.TokenPut(token); err != nil {
		return err
	}
	e.emit(NewTransferredEvent(token, from))
	return nil
}
