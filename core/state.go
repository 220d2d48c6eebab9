package core

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// StateManager owns account balances/nonces and contract storage roots (C2).
// It is the single in-process cache of mutable ledger state; the block store
// (C5) is the durable record it must stay consistent with.
type StateManager struct {
	mu       sync.RWMutex
	log      *logrus.Logger
	accounts map[Address]*Account
	storage  map[Address]map[string][]byte // contract storage, keyed by address

	snapshots   map[uint64]*stateSnapshot
	nextSnapID  uint64
}

type stateSnapshot struct {
	accounts map[Address]*Account
	storage  map[Address]map[string][]byte
}

// NewStateManager constructs an empty state manager.
func NewStateManager(log *logrus.Logger) *StateManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StateManager{
		log:       log,
		accounts:  make(map[Address]*Account),
		storage:   make(map[Address]map[string][]byte),
		snapshots: make(map[uint64]*stateSnapshot),
	}
}

func (sm *StateManager) account(addr Address) *Account {
	a, ok := sm.accounts[addr]
	if !ok {
		a = newAccount()
		sm.accounts[addr] = a
	}
	return a
}

// BalanceOf returns the address's balance, defaulting to zero.
func (sm *StateManager) BalanceOf(addr Address) *big.Int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if a, ok := sm.accounts[addr]; ok {
		return new(big.Int).Set(a.Balance)
	}
	return new(big.Int)
}

// SetBalance fails loudly if v < 0 (spec §4.2 Failure model).
func (sm *StateManager) SetBalance(addr Address, v *big.Int) error {
	if v.Sign() < 0 {
		return fmt.Errorf("%w: negative balance for %s", ErrInsufficientBalance, addr.Hex())
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.account(addr).Balance = new(big.Int).Set(v)
	return nil
}

// NonceOf returns the address's next-expected nonce.
func (sm *StateManager) NonceOf(addr Address) uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if a, ok := sm.accounts[addr]; ok {
		return a.Nonce
	}
	return 0
}

// SetNonce assigns the address's nonce directly, used by mempool
// reconciliation after a block commit (spec §4.3).
func (sm *StateManager) SetNonce(addr Address, nonce uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.account(addr).Nonce = nonce
}

// IncrementNonce advances the address's nonce by one.
func (sm *StateManager) IncrementNonce(addr Address) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.account(addr).Nonce++
}

// Transfer atomically debits `from` and credits `to`; returns false (no
// partial effect) if `from` is underfunded. The zero address is allowed to
// go negative-free since mint/burn never debits it through this path.
func (sm *StateManager) Transfer(from, to Address, amount *big.Int) bool {
	if amount.Sign() == 0 {
		return true
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	src := sm.account(from)
	if src.Balance.Cmp(amount) < 0 {
		return false
	}
	dst := sm.account(to)
	src.Balance = new(big.Int).Sub(src.Balance, amount)
	dst.Balance = new(big.Int).Add(dst.Balance, amount)
	return true
}

// Credit mints `amount` into `to` without debiting anyone (genesis path).
func (sm *StateManager) Credit(to Address, amount *big.Int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	dst := sm.account(to)
	dst.Balance = new(big.Int).Add(dst.Balance, amount)
}

// Debit removes `amount` from `from`, returning ErrInsufficientBalance and
// leaving the balance unchanged if `from` holds less than `amount`.
func (sm *StateManager) Debit(from Address, amount *big.Int) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	src := sm.account(from)
	if src.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s owes %s but has %s", ErrInsufficientBalance, from.Hex(), amount, src.Balance)
	}
	src.Balance = new(big.Int).Sub(src.Balance, amount)
	return nil
}

// CreateContract sets code_hash and initializes empty storage for addr.
func (sm *StateManager) CreateContract(addr Address, bytecode []byte) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	a := sm.account(addr)
	h := sha256.Sum256(bytecode)
	a.CodeHash = h
	sm.storage[addr] = make(map[string][]byte)
	a.StorageRoot = sm.computeContractStorageRootLocked(addr)
}

// SetCodeHash rehashes addr's code without touching its existing storage,
// used by contract upgrade (spec §7 supplemented admin hook).
func (sm *StateManager) SetCodeHash(addr Address, bytecode []byte) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	h := sha256.Sum256(bytecode)
	sm.account(addr).CodeHash = h
}

// GetContractStorage reads one key from a contract's storage.
func (sm *StateManager) GetContractStorage(addr Address, key string) ([]byte, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	m, ok := sm.storage[addr]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// SetContractStorage updates one key and recomputes the contract's storage
// root; fails loudly if the contract does not exist (spec §4.2).
func (sm *StateManager) SetContractStorage(addr Address, key string, value []byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	m, ok := sm.storage[addr]
	if !ok {
		return fmt.Errorf("%w: no contract storage at %s", ErrContractNotFound, addr.Hex())
	}
	m[key] = value
	sm.accounts[addr].StorageRoot = sm.computeContractStorageRootLocked(addr)
	return nil
}

// ReplaceContractStorage overwrites the full storage map in one step (used
// after a successful VM call that returns the post-state map).
func (sm *StateManager) ReplaceContractStorage(addr Address, newStorage map[string][]byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.accounts[addr]; !ok || sm.accounts[addr].CodeHash.IsZero() {
		return fmt.Errorf("%w: %s", ErrContractNotFound, addr.Hex())
	}
	cp := make(map[string][]byte, len(newStorage))
	for k, v := range newStorage {
		cp[k] = v
	}
	sm.storage[addr] = cp
	sm.accounts[addr].StorageRoot = sm.computeContractStorageRootLocked(addr)
	return nil
}

func (sm *StateManager) computeContractStorageRootLocked(addr Address) Hash {
	m := sm.storage[addr]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write(m[k])
		h.Write([]byte{'|'})
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// StateDelta is a bundle of per-address mutations applied atomically by
// ApplyTransactionEffects (spec §4.2).
type StateDelta struct {
	Balance *big.Int
	Nonce   *uint64
	Storage map[string][]byte // merged into existing contract storage
}

// ApplyTransactionEffects applies a bundle of {address -> delta} in one step
// and recomputes the storage root of every address whose storage changed.
// If any delta carries a negative balance, nothing is applied.
func (sm *StateManager) ApplyTransactionEffects(deltas map[Address]StateDelta) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for addr, d := range deltas {
		if d.Balance != nil && d.Balance.Sign() < 0 {
			return fmt.Errorf("%w: negative balance delta for %s", ErrInsufficientBalance, addr.Hex())
		}
	}
	for addr, d := range deltas {
		a := sm.account(addr)
		if d.Balance != nil {
			a.Balance = new(big.Int).Set(d.Balance)
		}
		if d.Nonce != nil {
			a.Nonce = *d.Nonce
		}
		if d.Storage != nil {
			m, ok := sm.storage[addr]
			if !ok {
				m = make(map[string][]byte)
				sm.storage[addr] = m
			}
			for k, v := range d.Storage {
				m[k] = v
			}
			a.StorageRoot = sm.computeContractStorageRootLocked(addr)
		}
	}
	return nil
}

// Snapshot copies the full state and returns an opaque id for Restore. This
// is an in-process copy (not a durable write) so it is cheap enough for
// produce_block's scratch execution and estimate_gas's dry run.
func (sm *StateManager) Snapshot() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	id := sm.nextSnapID
	sm.nextSnapID++

	accCopy := make(map[Address]*Account, len(sm.accounts))
	for k, v := range sm.accounts {
		cp := *v
		cp.Balance = new(big.Int).Set(v.Balance)
		accCopy[k] = &cp
	}
	storeCopy := make(map[Address]map[string][]byte, len(sm.storage))
	for addr, m := range sm.storage {
		mc := make(map[string][]byte, len(m))
		for k, v := range m {
			mc[k] = v
		}
		storeCopy[addr] = mc
	}
	sm.snapshots[id] = &stateSnapshot{accounts: accCopy, storage: storeCopy}
	return id
}

// Restore is best-effort: it returns false if id is unknown, otherwise it
// atomically replaces all owned state.
func (sm *StateManager) Restore(id uint64) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	snap, ok := sm.snapshots[id]
	if !ok {
		return false
	}
	sm.accounts = snap.accounts
	sm.storage = snap.storage
	return true
}

// DiscardSnapshot drops a snapshot taken for a dry run (estimate_gas).
func (sm *StateManager) DiscardSnapshot(id uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.snapshots, id)
}

// StateRoot computes a deterministic digest of every account and contract
// storage root, per spec §4.2: sort (addr, encoding) pairs lexicographically
// by key, SHA-256 the '|'-joined list.
func (sm *StateManager) StateRoot() Hash {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	type kv struct{ key, val string }
	entries := make([]kv, 0, len(sm.accounts)*2)
	for addr, a := range sm.accounts {
		enc, _ := json.Marshal(struct {
			Balance     string `json:"balance"`
			Nonce       uint64 `json:"nonce"`
			CodeHash    string `json:"code_hash"`
			StorageRoot string `json:"storage_root"`
		}{a.Balance.String(), a.Nonce, a.CodeHash.Hex(), a.StorageRoot.Hex()})
		entries = append(entries, kv{key: addr.Hex(), val: string(enc)})
		if a.IsContract() {
			entries = append(entries, kv{key: addr.Hex() + "|storage", val: a.StorageRoot.Hex()})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	h := sha256.New()
	for i, e := range entries {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(e.key))
		h.Write([]byte{':'})
		h.Write([]byte(e.val))
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// AccountView is a read-only copy returned to query callers.
type AccountView struct {
	Address     Address
	Balance     *big.Int
	Nonce       uint64
	CodeHash    Hash
	StorageRoot Hash
}

// GetAccount returns a defensive copy of the account at addr, if any.
func (sm *StateManager) GetAccount(addr Address) (AccountView, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	a, ok := sm.accounts[addr]
	if !ok {
		return AccountView{}, false
	}
	return AccountView{
		Address:     addr,
		Balance:     new(big.Int).Set(a.Balance),
		Nonce:       a.Nonce,
		CodeHash:    a.CodeHash,
		StorageRoot: a.StorageRoot,
	}, true
}
