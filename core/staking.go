package core

import (
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"
)

// ValidatorRegistry is the read-mostly view of registered validators (spec
// §3 Validator, §4.5 register_validator). It generalizes the teacher's
// StakePenaltyManager/validator bookkeeping (core/staking.go,
// core/stake_penalty.go) onto the account-based model spec.md describes,
// dropping the teacher's token-specific penalty curves.
type ValidatorRegistry struct {
	mu         sync.RWMutex
	log        *logrus.Logger
	validators map[Address]*Validator
}

// NewValidatorRegistry constructs an empty registry.
func NewValidatorRegistry(log *logrus.Logger) *ValidatorRegistry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ValidatorRegistry{log: log, validators: make(map[Address]*Validator)}
}

// Get returns a defensive copy of the validator at addr.
func (vr *ValidatorRegistry) Get(addr Address) (Validator, bool) {
	vr.mu.RLock()
	defer vr.mu.RUnlock()
	v, ok := vr.validators[addr]
	if !ok {
		return Validator{}, false
	}
	return *v, true
}

// IsActive reports whether addr is a currently-active validator, the check
// commit_block's VALIDATE_HEADER step applies (spec §4.5).
func (vr *ValidatorRegistry) IsActive(addr Address) bool {
	vr.mu.RLock()
	defer vr.mu.RUnlock()
	v, ok := vr.validators[addr]
	return ok && v.Status == ValidatorActive
}

// List returns every registered validator.
func (vr *ValidatorRegistry) List() []Validator {
	vr.mu.RLock()
	defer vr.mu.RUnlock()
	out := make([]Validator, 0, len(vr.validators))
	for _, v := range vr.validators {
		out = append(out, *v)
	}
	return out
}

// defaultCommissionRate is applied when a register_validator transaction
// does not supply one (spec §4.5: "default commission 0.1").
const defaultCommissionRate = 0.1

// Upsert applies spec §4.5's register_validator rule: insert-or-update keyed
// by address, never downgrading a real public_key to an empty placeholder,
// and defaulting commission_rate to 0.1 on first registration.
func (vr *ValidatorRegistry) Upsert(addr Address, publicKey []byte, commissionRate *float64) {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	v, exists := vr.validators[addr]
	if !exists {
		rate := defaultCommissionRate
		if commissionRate != nil {
			rate = *commissionRate
		}
		vr.validators[addr] = &Validator{
			Address:        addr,
			PublicKey:      publicKey,
			Status:         ValidatorActive,
			CommissionRate: rate,
		}
		return
	}
	if len(publicKey) > 0 {
		v.PublicKey = publicKey
	}
	if commissionRate != nil {
		v.CommissionRate = *commissionRate
	}
}

// RecordProduced increments a validator's blocks_produced counter.
func (vr *ValidatorRegistry) RecordProduced(addr Address) {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	if v, ok := vr.validators[addr]; ok {
		v.BlocksProduced++
	}
}

// RecordMissed increments a validator's blocks_missed counter.
func (vr *ValidatorRegistry) RecordMissed(addr Address) {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	if v, ok := vr.validators[addr]; ok {
		v.BlocksMissed++
	}
}

// Deactivate flips a validator to inactive.
func (vr *ValidatorRegistry) Deactivate(addr Address) {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	if v, ok := vr.validators[addr]; ok {
		v.Status = ValidatorInactive
	}
}

// StakeLedger owns stake records (spec §3 Stake record, §4.5 stake,
// §6 Testable Properties #10). Grounded on the teacher's StakingRegistry
// snapshot/lookup pair (core/staking.go), reshaped from UTXO-style staking
// entries to the (validator, staker, amount, start_block) dedup key.
type StakeLedger struct {
	mu      sync.RWMutex
	log     *logrus.Logger
	byID    map[uint64]*StakeRecord
	byKey   map[stakeKey]uint64 // dedup index -> id
	nextID  uint64
}

type stakeKey struct {
	validator  Address
	staker     Address
	amount     string
	startBlock uint64
}

// NewStakeLedger constructs an empty stake ledger.
func NewStakeLedger(log *logrus.Logger) *StakeLedger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StakeLedger{
		log:   log,
		byID:  make(map[uint64]*StakeRecord),
		byKey: make(map[stakeKey]uint64),
	}
}

// Insert records a new stake, deduplicated by (validator, staker, amount,
// start_block) per spec §4.5. A duplicate insert is a no-op and returns the
// existing record's id.
func (sl *StakeLedger) Insert(validator, staker Address, amount *big.Int, startBlock uint64) *StakeRecord {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	key := stakeKey{validator: validator, staker: staker, amount: amount.String(), startBlock: startBlock}
	if id, exists := sl.byKey[key]; exists {
		return sl.byID[id]
	}

	sl.nextID++
	rec := &StakeRecord{
		ID:            sl.nextID,
		Validator:     validator,
		Staker:        staker,
		Amount:        new(big.Int).Set(amount),
		StartBlock:    startBlock,
		Status:        StakeActive,
		RewardsEarned: new(big.Int),
	}
	sl.byID[rec.ID] = rec
	sl.byKey[key] = rec.ID
	return rec
}

// Withdraw marks a stake record withdrawn at endBlock. Idempotent: a second
// withdraw of an already-withdrawn record is a no-op.
func (sl *StakeLedger) Withdraw(id uint64, endBlock uint64) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	rec, ok := sl.byID[id]
	if !ok || rec.Status != StakeActive {
		return false
	}
	rec.Status = StakeWithdrawn
	eb := endBlock
	rec.EndBlock = &eb
	return true
}

// Complete marks a stake record completed (e.g. unbonding period elapsed).
func (sl *StakeLedger) Complete(id uint64, endBlock uint64) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	rec, ok := sl.byID[id]
	if !ok || rec.Status != StakeActive {
		return false
	}
	rec.Status = StakeCompleted
	eb := endBlock
	rec.EndBlock = &eb
	return true
}

// AddReward accrues a reward amount onto an active stake record.
func (sl *StakeLedger) AddReward(id uint64, reward *big.Int) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if rec, ok := sl.byID[id]; ok {
		rec.RewardsEarned = new(big.Int).Add(rec.RewardsEarned, reward)
	}
}

// Get returns a defensive copy of the record at id.
func (sl *StakeLedger) Get(id uint64) (StakeRecord, bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	rec, ok := sl.byID[id]
	if !ok {
		return StakeRecord{}, false
	}
	return *rec, true
}

// ListActive returns only active records, the view the read API's
// staking_records endpoint must expose (spec §6/§7: withdrawn/completed
// rows MUST NOT be returned to a restoring peer).
func (sl *StakeLedger) ListActive() []StakeRecord {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	out := make([]StakeRecord, 0, len(sl.byID))
	for _, rec := range sl.byID {
		if rec.Status == StakeActive {
			out = append(out, *rec)
		}
	}
	return out
}

// ListAll returns every record regardless of status. This supplements the
// spec's restricted read API with an operator/debug view (spec §7
// Supplemented Features), distinct from the public staking_records
// endpoint that must stay filtered.
func (sl *StakeLedger) ListAll() []StakeRecord {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	out := make([]StakeRecord, 0, len(sl.byID))
	for _, rec := range sl.byID {
		out = append(out, *rec)
	}
	return out
}

// CountActive supports Testable Property #10's active-stake-row invariant.
func (sl *StakeLedger) CountActive() int {
	return len(sl.ListActive())
}

// NodeRegistry owns registered network-participant records (spec §3 Node,
// §4.5 register_node).
type NodeRegistry struct {
	mu    sync.RWMutex
	byID  map[Hash]*Node
}

// NewNodeRegistry constructs an empty node registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{byID: make(map[Hash]*Node)}
}

// Upsert inserts or overwrites a node record keyed by its derived node_id.
func (nr *NodeRegistry) Upsert(n *Node) {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	cp := *n
	nr.byID[n.NodeID] = &cp
}

// Get returns a defensive copy of the node at id.
func (nr *NodeRegistry) Get(id Hash) (Node, bool) {
	nr.mu.RLock()
	defer nr.mu.RUnlock()
	n, ok := nr.byID[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// List returns every registered node.
func (nr *NodeRegistry) List() []Node {
	nr.mu.RLock()
	defer nr.mu.RUnlock()
	out := make([]Node, 0, len(nr.byID))
	for _, n := range nr.byID {
		out = append(out, *n)
	}
	return out
}
