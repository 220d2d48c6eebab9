package core

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Mempool holds pending transactions ordered by priority, with strict
// per-sender nonce discipline (C3). It generalizes the teacher's
// TxPool.lookup/queue fields (core/txpool_addtx.go, txpool_snapshot.go) into
// the priority-queue-plus-per-sender-ordering design spec.md's design notes
// (§9) call for. A flat container/heap priority queue can't encode this: the
// global top-priority entry may belong to a sender whose own lower-nonce,
// lower-priority entry must drain first, so ordering is reconstructed inside
// Drain from byHash/bySender directly instead of maintaining a heap that
// would just get overridden on every call.
type Mempool struct {
	mu  sync.RWMutex
	log *logrus.Logger

	byHash   map[Hash]*MempoolEntry
	bySender map[Address]map[uint64]*MempoolEntry // sender -> nonce -> entry

	maxSize int
}

// NewMempool constructs an empty mempool with the given hard capacity.
func NewMempool(maxSize int, log *logrus.Logger) *Mempool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Mempool{
		log:      log,
		byHash:   make(map[Hash]*MempoolEntry),
		bySender: make(map[Address]map[uint64]*MempoolEntry),
		maxSize:  maxSize,
	}
}

// PendingCount returns the number of pending (non-expired) entries currently
// queued for `from`, used by submit_transaction's nonce check.
func (mp *Mempool) PendingCount(from Address) int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, e := range mp.bySender[from] {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// PendingTotal sums amount+fee across `from`'s pending entries, used by
// submit_transaction's balance check (spec §4.3 (iii)).
func (mp *Mempool) PendingTotal(from Address) (amount, fee *big.Int) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.pendingTotalsLocked(from)
}

func (mp *Mempool) Len() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.byHash)
}

// Admit inserts tx if it passes mempool-local checks: unique hash, not
// expired. Signature/nonce/balance validation (i-iii) is the caller's job
// (ledger facade) since it needs state-manager access this package does not
// hold a reference to, keeping C3 decoupled from C2.
func (mp *Mempool) Admit(entry *MempoolEntry) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if entry.expired(time.Now()) {
		return fmt.Errorf("mempool: entry already expired")
	}
	if _, exists := mp.byHash[entry.TxHash]; exists {
		return ErrDuplicateTransaction
	}
	if mp.maxSize > 0 && len(mp.byHash) >= mp.maxSize {
		return ErrMempoolFull
	}

	mp.byHash[entry.TxHash] = entry
	if mp.bySender[entry.Tx.From] == nil {
		mp.bySender[entry.Tx.From] = make(map[uint64]*MempoolEntry)
	}
	mp.bySender[entry.Tx.From][entry.Tx.Nonce] = entry
	return nil
}

// Contains reports whether a hash is currently pending and unexpired.
func (mp *Mempool) Contains(hash Hash) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	e, ok := mp.byHash[hash]
	if !ok {
		return false
	}
	return !e.expired(time.Now())
}

// removeLocked evicts an entry from all indices. Caller holds mp.mu.
func (mp *Mempool) removeLocked(hash Hash) {
	e, ok := mp.byHash[hash]
	if !ok {
		return
	}
	delete(mp.byHash, hash)
	if bySender, ok := mp.bySender[e.Tx.From]; ok {
		delete(bySender, e.Tx.Nonce)
		if len(bySender) == 0 {
			delete(mp.bySender, e.Tx.From)
		}
	}
}

// PruneExpired removes every entry whose ExpiresAt has passed; expired
// entries are invisible to all readers even before this runs (spec §4.3).
func (mp *Mempool) PruneExpired(now time.Time) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	var stale []Hash
	for h, e := range mp.byHash {
		if e.expired(now) {
			stale = append(stale, h)
		}
	}
	for _, h := range stale {
		mp.removeLocked(h)
	}
	return len(stale)
}

// Drain pulls up to maxTx transactions (and at most maxGas total gas limit)
// in priority order, honoring per-sender nonce ascension regardless of
// priority (spec §4.3 Ordering / §9 design notes). It does not remove
// entries from the pool — that only happens on block commit reconciliation.
func (mp *Mempool) Drain(maxTx int, maxGas uint64) []*Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	now := time.Now()
	// Candidates per sender, nonce-ascending.
	perSender := make(map[Address][]*MempoolEntry, len(mp.bySender))
	for addr, byNonce := range mp.bySender {
		list := make([]*MempoolEntry, 0, len(byNonce))
		for _, e := range byNonce {
			if !e.expired(now) {
				list = append(list, e)
			}
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Tx.Nonce < list[j].Tx.Nonce })
		perSender[addr] = list
	}
	cursor := make(map[Address]int, len(perSender))

	// Order senders' *next eligible* entry by priority, tie-broken by
	// created_at then hash ascending (spec §4.3 Ordering).
	candidates := make([]*MempoolEntry, 0, len(mp.byHash))
	for addr, list := range perSender {
		if len(list) > 0 {
			candidates = append(candidates, list[0])
			_ = addr
		}
	}

	var out []*Transaction
	var gasUsed uint64
	for len(out) < maxTx || maxTx <= 0 {
		if len(candidates) == 0 {
			break
		}
		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.PriorityScore != b.PriorityScore {
				return a.PriorityScore > b.PriorityScore
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.TxHash.Hex() < b.TxHash.Hex()
		})
		best := candidates[0]
		if maxGas > 0 && gasUsed+best.Tx.GasLimit > maxGas {
			// This sender's head transaction doesn't fit; drop it from
			// consideration for this drain but leave it pending.
			candidates = candidates[1:]
			continue
		}
		out = append(out, best.Tx)
		gasUsed += best.Tx.GasLimit

		addr := best.Tx.From
		cursor[addr]++
		candidates = candidates[1:]
		if cursor[addr] < len(perSender[addr]) {
			candidates = append(candidates, perSender[addr][cursor[addr]])
		}
		if maxTx > 0 && len(out) >= maxTx {
			break
		}
	}
	return out
}

// ReconcileAfterCommit removes every included hash and drops, for each
// touched sender, any entry whose nonce is now stale (spec §4.3
// Reconciliation, §4.5 RECONCILE_MEMPOOL).
func (mp *Mempool) ReconcileAfterCommit(includedHashes []Hash, maxConfirmedNonce map[Address]uint64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, h := range includedHashes {
		mp.removeLocked(h)
	}
	for addr, maxNonce := range maxConfirmedNonce {
		bySender := mp.bySender[addr]
		var stale []Hash
		for nonce, e := range bySender {
			if nonce <= maxNonce {
				stale = append(stale, e.TxHash)
			}
		}
		for _, h := range stale {
			mp.removeLocked(h)
		}
	}
}

func (mp *Mempool) pendingTotalsLocked(from Address) (*big.Int, *big.Int) {
	amount := new(big.Int)
	fee := new(big.Int)
	now := time.Now()
	for _, e := range mp.bySender[from] {
		if e.expired(now) {
			continue
		}
		amount.Add(amount, e.Tx.Amount)
		fee.Add(fee, e.Tx.Fee)
	}
	return amount, fee
}
