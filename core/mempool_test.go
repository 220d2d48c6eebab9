package core

import (
	"math/big"
	"testing"
	"time"
)

func mkEntry(from Address, nonce uint64, priority float64, createdAt time.Time) *MempoolEntry {
	tx := &Transaction{
		From:     from,
		To:       addrFromByte(99),
		Amount:   big.NewInt(1),
		Fee:      big.NewInt(1),
		GasLimit: 10,
		Nonce:    nonce,
	}
	tx.Hash = ComputeTxHash(tx)
	return &MempoolEntry{
		TxHash:        tx.Hash,
		Tx:            tx,
		PriorityScore: priority,
		Status:        TxPending,
		CreatedAt:     createdAt,
	}
}

func TestMempoolAdmitAndContains(t *testing.T) {
	mp := NewMempool(10, nil)
	e := mkEntry(addrFromByte(1), 0, 1.0, time.Now())
	if err := mp.Admit(e); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !mp.Contains(e.TxHash) {
		t.Fatalf("expected admitted entry to be present")
	}
	if mp.Len() != 1 {
		t.Fatalf("Len = %d, want 1", mp.Len())
	}
}

func TestMempoolAdmitDuplicateRejected(t *testing.T) {
	mp := NewMempool(10, nil)
	e := mkEntry(addrFromByte(1), 0, 1.0, time.Now())
	if err := mp.Admit(e); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	if err := mp.Admit(e); err != ErrDuplicateTransaction {
		t.Fatalf("second Admit = %v, want ErrDuplicateTransaction", err)
	}
}

func TestMempoolFullRejectsBeyondCapacity(t *testing.T) {
	mp := NewMempool(1, nil)
	if err := mp.Admit(mkEntry(addrFromByte(1), 0, 1.0, time.Now())); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	if err := mp.Admit(mkEntry(addrFromByte(2), 0, 1.0, time.Now())); err != ErrMempoolFull {
		t.Fatalf("second Admit = %v, want ErrMempoolFull", err)
	}
}

func TestMempoolPendingTotal(t *testing.T) {
	mp := NewMempool(10, nil)
	from := addrFromByte(1)
	for i := uint64(0); i < 3; i++ {
		if err := mp.Admit(mkEntry(from, i, 1.0, time.Now())); err != nil {
			t.Fatalf("Admit(%d): %v", i, err)
		}
	}
	amount, fee := mp.PendingTotal(from)
	if amount.Cmp(big.NewInt(3)) != 0 || fee.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("PendingTotal = (%s, %s), want (3, 3)", amount, fee)
	}
	if mp.PendingCount(from) != 3 {
		t.Fatalf("PendingCount = %d, want 3", mp.PendingCount(from))
	}
}

func TestDrainOrdersByPriorityAcrossSenders(t *testing.T) {
	mp := NewMempool(10, nil)
	low := mkEntry(addrFromByte(1), 0, 1.0, time.Now())
	high := mkEntry(addrFromByte(2), 0, 5.0, time.Now())
	if err := mp.Admit(low); err != nil {
		t.Fatalf("Admit(low): %v", err)
	}
	if err := mp.Admit(high); err != nil {
		t.Fatalf("Admit(high): %v", err)
	}

	out := mp.Drain(10, 0)
	if len(out) != 2 {
		t.Fatalf("Drain returned %d txs, want 2", len(out))
	}
	if out[0].Hash != high.TxHash {
		t.Fatalf("expected the higher-priority sender's tx to drain first")
	}
}

func TestDrainHonorsPerSenderNonceOrderOverPriority(t *testing.T) {
	mp := NewMempool(10, nil)
	from := addrFromByte(1)
	// nonce 1 has higher priority than nonce 0, but nonce 0 must still drain
	// first: per-sender nonce ascension overrides the priority ordering.
	nonce0 := mkEntry(from, 0, 1.0, time.Now())
	nonce1 := mkEntry(from, 1, 100.0, time.Now())
	if err := mp.Admit(nonce0); err != nil {
		t.Fatalf("Admit(nonce0): %v", err)
	}
	if err := mp.Admit(nonce1); err != nil {
		t.Fatalf("Admit(nonce1): %v", err)
	}

	out := mp.Drain(10, 0)
	if len(out) != 2 {
		t.Fatalf("Drain returned %d txs, want 2", len(out))
	}
	if out[0].Nonce != 0 || out[1].Nonce != 1 {
		t.Fatalf("drain order = [%d, %d], want [0, 1]", out[0].Nonce, out[1].Nonce)
	}
}

func TestDrainRespectsGasBudget(t *testing.T) {
	mp := NewMempool(10, nil)
	if err := mp.Admit(mkEntry(addrFromByte(1), 0, 1.0, time.Now())); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := mp.Admit(mkEntry(addrFromByte(2), 0, 1.0, time.Now())); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	// Each entry carries gas_limit 10; a budget of 10 should admit only one.
	out := mp.Drain(10, 10)
	if len(out) != 1 {
		t.Fatalf("Drain returned %d txs, want 1 under a tight gas budget", len(out))
	}
}

func TestReconcileAfterCommitRemovesIncludedAndStaleNonces(t *testing.T) {
	mp := NewMempool(10, nil)
	from := addrFromByte(1)
	e0 := mkEntry(from, 0, 1.0, time.Now())
	e1 := mkEntry(from, 1, 1.0, time.Now())
	e2 := mkEntry(from, 2, 1.0, time.Now())
	for _, e := range []*MempoolEntry{e0, e1, e2} {
		if err := mp.Admit(e); err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}

	mp.ReconcileAfterCommit([]Hash{e0.TxHash}, map[Address]uint64{from: 1})

	if mp.Contains(e0.TxHash) || mp.Contains(e1.TxHash) {
		t.Fatalf("nonces <= max confirmed nonce should be gone after reconciliation")
	}
	if !mp.Contains(e2.TxHash) {
		t.Fatalf("nonce above the confirmed max should remain pending")
	}
}

func TestPruneExpiredRemovesStaleEntries(t *testing.T) {
	mp := NewMempool(10, nil)
	e := mkEntry(addrFromByte(1), 0, 1.0, time.Now())
	if err := mp.Admit(e); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	// Mutate the same pointer Admit stored: expiry lapses after admission.
	past := time.Now().Add(-time.Minute)
	e.ExpiresAt = &past
	if n := mp.PruneExpired(time.Now()); n != 1 {
		t.Fatalf("PruneExpired removed %d, want 1", n)
	}
	if mp.Contains(e.TxHash) {
		t.Fatalf("expired entry should no longer be visible")
	}
}
