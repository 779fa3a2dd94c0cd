// Package ledger stores the persisted state of the test chain: accounts,
// contract instances and deployed modules. The invocation engine reads this
// state as the fallback beneath its change stack and never writes it
// directly; only a fully committed top-level frame is applied back here.
package ledger

import (
	"encoding/binary"
	"errors"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tos-network/chaintest/chaindb"
	"github.com/tos-network/chaintest/types"
)

// moduleCacheSize bounds the decoded module-artifact cache.
const moduleCacheSize = 128

// ErrNotFound is returned when an account, instance or module is absent.
var ErrNotFound = errors.New("ledger: not found")

// Account is a persisted account record.
type Account struct {
	// Address is the canonical address the account was created under.
	// Lookups accept any alias of it.
	Address types.AccountAddress
	Balance types.Amount
}

// NewAccount constructs an account record.
func NewAccount(addr types.AccountAddress, balance types.Amount) Account {
	return Account{Address: addr, Balance: balance}
}

// ContractInstance is a persisted contract instance record.
type ContractInstance struct {
	Address     types.ContractAddress
	Name        types.ContractName
	Module      types.ModuleReference
	Owner       types.AccountAddress
	SelfBalance types.Amount
	State       types.ContractState
}

// Module is a deployed module artifact.
type Module struct {
	Reference types.ModuleReference
	Source    []byte
}

// Ledger provides typed access to persisted chain state over a key-value
// store. Decoded modules are cached since their artifacts are fetched on
// every invocation for the lookup-cost charge.
type Ledger struct {
	db      chaindb.KeyValueStore
	modules *lru.ARCCache // types.ModuleReference → Module
}

// New wraps the given store. The store may already contain ledger data, in
// which case contract address allocation continues where it left off.
func New(db chaindb.KeyValueStore) (*Ledger, error) {
	modules, err := lru.NewARC(moduleCacheSize)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db, modules: modules}, nil
}

// PutAccount inserts or replaces an account, keyed by its alias-insensitive
// equivalence class.
func (l *Ledger) PutAccount(acc Account) error {
	return l.db.Put(accountKey(acc.Address.Eq()), encodeAccount(acc))
}

// Account looks up the account any alias of addr refers to.
func (l *Ledger) Account(addr types.AccountAddress) (Account, error) {
	raw, err := l.db.Get(accountKey(addr.Eq()))
	if errors.Is(err, chaindb.ErrNotFound) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return decodeAccount(raw)
}

// AccountExists reports whether any alias of addr denotes a known account.
func (l *Ledger) AccountExists(addr types.AccountAddress) (bool, error) {
	return l.db.Has(accountKey(addr.Eq()))
}

// SetAccountBalance overwrites the balance of an existing account.
func (l *Ledger) SetAccountBalance(addr types.AccountAddress, balance types.Amount) error {
	acc, err := l.Account(addr)
	if err != nil {
		return err
	}
	acc.Balance = balance
	return l.PutAccount(acc)
}

// PutInstance inserts or replaces a contract instance.
func (l *Ledger) PutInstance(inst ContractInstance) error {
	return l.db.Put(instanceKey(inst.Address), encodeInstance(inst))
}

// Instance looks up a contract instance by address.
func (l *Ledger) Instance(addr types.ContractAddress) (ContractInstance, error) {
	raw, err := l.db.Get(instanceKey(addr))
	if errors.Is(err, chaindb.ErrNotFound) {
		return ContractInstance{}, ErrNotFound
	}
	if err != nil {
		return ContractInstance{}, err
	}
	return decodeInstance(raw, addr)
}

// InstanceExists reports whether a contract instance exists at addr.
func (l *Ledger) InstanceExists(addr types.ContractAddress) (bool, error) {
	return l.db.Has(instanceKey(addr))
}

// PutModule registers a module artifact under its reference.
func (l *Ledger) PutModule(m Module) error {
	if err := l.db.Put(moduleKey(m.Reference), m.Source); err != nil {
		return err
	}
	l.modules.Add(m.Reference, m)
	return nil
}

// Module looks up a module artifact by reference.
func (l *Ledger) Module(ref types.ModuleReference) (Module, error) {
	if cached, ok := l.modules.Get(ref); ok {
		return cached.(Module), nil
	}
	raw, err := l.db.Get(moduleKey(ref))
	if errors.Is(err, chaindb.ErrNotFound) {
		return Module{}, ErrNotFound
	}
	if err != nil {
		return Module{}, err
	}
	m := Module{Reference: ref, Source: raw}
	l.modules.Add(ref, m)
	return m, nil
}

// ModuleExists reports whether a module is registered under ref.
func (l *Ledger) ModuleExists(ref types.ModuleReference) (bool, error) {
	if _, ok := l.modules.Get(ref); ok {
		return true, nil
	}
	return l.db.Has(moduleKey(ref))
}

// AllocateContractAddress reserves the next fresh contract address.
func (l *Ledger) AllocateContractAddress() (types.ContractAddress, error) {
	var next uint64
	raw, err := l.db.Get(nextIndexKey)
	switch {
	case errors.Is(err, chaindb.ErrNotFound):
		next = 0
	case err != nil:
		return types.ContractAddress{}, err
	default:
		next = binary.BigEndian.Uint64(raw)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next+1)
	if err := l.db.Put(nextIndexKey, buf[:]); err != nil {
		return types.ContractAddress{}, err
	}
	return types.ContractAddress{Index: next, Subindex: 0}, nil
}
