package core

import (
	"math/big"
	"testing"
)

func TestValidatorRegistryUpsertDefaultsCommission(t *testing.T) {
	vr := NewValidatorRegistry(nil)
	addr := addrFromByte(1)
	vr.Upsert(addr, []byte("pub"), nil)

	v, ok := vr.Get(addr)
	if !ok {
		t.Fatalf("expected validator to be registered")
	}
	if v.CommissionRate != defaultCommissionRate {
		t.Fatalf("commission = %v, want default %v", v.CommissionRate, defaultCommissionRate)
	}
	if v.Status != ValidatorActive {
		t.Fatalf("status = %v, want active", v.Status)
	}
	if !vr.IsActive(addr) {
		t.Fatalf("IsActive should be true right after registration")
	}
}

func TestValidatorRegistryUpsertNeverDowngradesPublicKey(t *testing.T) {
	vr := NewValidatorRegistry(nil)
	addr := addrFromByte(1)
	vr.Upsert(addr, []byte("real-key"), nil)
	vr.Upsert(addr, nil, nil) // a later upsert with no key must not erase the existing one

	v, ok := vr.Get(addr)
	if !ok {
		t.Fatalf("expected validator to still be registered")
	}
	if string(v.PublicKey) != "real-key" {
		t.Fatalf("public key = %q, want preserved %q", v.PublicKey, "real-key")
	}
}

func TestValidatorRegistryUpsertOverridesCommission(t *testing.T) {
	vr := NewValidatorRegistry(nil)
	addr := addrFromByte(1)
	rate := 0.25
	vr.Upsert(addr, []byte("pub"), &rate)

	v, _ := vr.Get(addr)
	if v.CommissionRate != 0.25 {
		t.Fatalf("commission = %v, want 0.25", v.CommissionRate)
	}
}

func TestValidatorRegistryDeactivate(t *testing.T) {
	vr := NewValidatorRegistry(nil)
	addr := addrFromByte(1)
	vr.Upsert(addr, []byte("pub"), nil)
	vr.Deactivate(addr)
	if vr.IsActive(addr) {
		t.Fatalf("expected validator to be inactive after Deactivate")
	}
}

func TestStakeLedgerInsertDeduplicates(t *testing.T) {
	sl := NewStakeLedger(nil)
	validator, staker := addrFromByte(1), addrFromByte(2)

	rec1 := sl.Insert(validator, staker, big.NewInt(100), 5)
	rec2 := sl.Insert(validator, staker, big.NewInt(100), 5)
	if rec1.ID != rec2.ID {
		t.Fatalf("duplicate insert should return the same record, got ids %d and %d", rec1.ID, rec2.ID)
	}

	rec3 := sl.Insert(validator, staker, big.NewInt(200), 5)
	if rec3.ID == rec1.ID {
		t.Fatalf("a different amount should create a new record")
	}
}

func TestStakeLedgerWithdrawIsIdempotent(t *testing.T) {
	sl := NewStakeLedger(nil)
	rec := sl.Insert(addrFromByte(1), addrFromByte(2), big.NewInt(100), 1)

	if ok := sl.Withdraw(rec.ID, 10); !ok {
		t.Fatalf("first withdraw should succeed")
	}
	if ok := sl.Withdraw(rec.ID, 10); ok {
		t.Fatalf("second withdraw of an already-withdrawn record should be a no-op")
	}

	got, ok := sl.Get(rec.ID)
	if !ok || got.Status != StakeWithdrawn {
		t.Fatalf("status = %v, want withdrawn", got.Status)
	}
}

func TestStakeLedgerListActiveExcludesWithdrawn(t *testing.T) {
	sl := NewStakeLedger(nil)
	rec1 := sl.Insert(addrFromByte(1), addrFromByte(2), big.NewInt(100), 1)
	sl.Insert(addrFromByte(1), addrFromByte(3), big.NewInt(50), 1)
	sl.Withdraw(rec1.ID, 10)

	active := sl.ListActive()
	if len(active) != 1 {
		t.Fatalf("ListActive returned %d records, want 1", len(active))
	}
	all := sl.ListAll()
	if len(all) != 2 {
		t.Fatalf("ListAll returned %d records, want 2", len(all))
	}
	if sl.CountActive() != 1 {
		t.Fatalf("CountActive = %d, want 1", sl.CountActive())
	}
}

func TestNodeRegistryUpsertAndGet(t *testing.T) {
	nr := NewNodeRegistry()
	node := &Node{
		NodeID:    DeriveNodeID(addrFromByte(1), "example.com", 100),
		Owner:     addrFromByte(1),
		Domain:    "example.com",
		CreatedAt: 100,
	}
	nr.Upsert(node)

	got, ok := nr.Get(node.NodeID)
	if !ok {
		t.Fatalf("expected node to be registered")
	}
	if got.Domain != "example.com" {
		t.Fatalf("domain = %q, want example.com", got.Domain)
	}
	if len(nr.List()) != 1 {
		t.Fatalf("List returned %d nodes, want 1", len(nr.List()))
	}
}
