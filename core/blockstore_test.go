package core

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"
)

func newTestBlockStore(t *testing.T, walPath string) (*BlockStore, *StateManager, *ValidatorRegistry) {
	t.Helper()
	state := NewStateManager(nil)
	validators := NewValidatorRegistry(nil)
	bs, err := NewBlockStore(BlockStoreConfig{
		WALPath:    walPath,
		State:      state,
		Validators: validators,
		Stakes:     NewStakeLedger(nil),
		Nodes:      NewNodeRegistry(),
	})
	if err != nil {
		t.Fatalf("NewBlockStore: %v", err)
	}
	return bs, state, validators
}

func genesisBlock(to Address, amount *big.Int) (*Block, []*Transaction) {
	tx := &Transaction{From: GenesisSenderAddress, To: to, Amount: amount, Fee: big.NewInt(0), Timestamp: 1}
	tx.Hash = ComputeTxHash(tx)
	txs := []*Transaction{tx}
	hashes := []Hash{tx.Hash}
	block := &Block{Height: 0, MerkleRoot: MerkleRootOf(hashes), TransactionsCount: len(txs), Timestamp: 1}
	block.Hash = ComputeBlockHash(block)
	return block, txs
}

func TestBlockStoreCommitGenesisBlock(t *testing.T) {
	bs, state, _ := newTestBlockStore(t, "")
	to := addrFromByte(1)
	block, txs := genesisBlock(to, big.NewInt(500))

	committed, err := bs.CommitBlock(block, txs, nil, nil)
	if err != nil {
		t.Fatalf("CommitBlock: %v", err)
	}
	if committed.Height != 0 {
		t.Fatalf("height = %d, want 0", committed.Height)
	}
	if got := state.BalanceOf(to); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("balance = %s, want 500", got)
	}
	if bs.Height() != 0 {
		t.Fatalf("BlockStore.Height() = %d, want 0", bs.Height())
	}
	tx, ok := bs.GetTransaction(txs[0].Hash)
	if !ok || tx.Status != TxConfirmed {
		t.Fatalf("expected genesis tx to be confirmed, got ok=%v status=%v", ok, tx)
	}
}

func TestBlockStoreRejectsResubmitOfLatestBlock(t *testing.T) {
	bs, _, _ := newTestBlockStore(t, "")
	block, txs := genesisBlock(addrFromByte(1), big.NewInt(1))
	if _, err := bs.CommitBlock(block, txs, nil, nil); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := bs.CommitBlock(block, txs, nil, nil); !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("resubmitting the latest block = %v, want ErrAlreadyCommitted", err)
	}
}

func TestBlockStoreRejectsBadParentHash(t *testing.T) {
	bs, _, validators := newTestBlockStore(t, "")
	genesis, genesisTxs := genesisBlock(addrFromByte(1), big.NewInt(1000))
	if _, err := bs.CommitBlock(genesis, genesisTxs, nil, nil); err != nil {
		t.Fatalf("commit genesis: %v", err)
	}

	validator := addrFromByte(9)
	validators.Upsert(validator, []byte("pub"), nil)

	bad := &Block{Height: 1, ParentHash: Hash{0xFF}, Validator: validator, MerkleRoot: MerkleRootOf(nil)}
	bad.Hash = ComputeBlockHash(bad)
	if _, err := bs.CommitBlock(bad, nil, nil, nil); err == nil {
		t.Fatalf("expected an error for a block pointing at the wrong parent")
	}
}

func TestBlockStoreRejectsBadMerkleRoot(t *testing.T) {
	bs, _, validators := newTestBlockStore(t, "")
	genesis, genesisTxs := genesisBlock(addrFromByte(1), big.NewInt(1000))
	if _, err := bs.CommitBlock(genesis, genesisTxs, nil, nil); err != nil {
		t.Fatalf("commit genesis: %v", err)
	}

	validator := addrFromByte(9)
	validators.Upsert(validator, []byte("pub"), nil)

	tx := &Transaction{From: addrFromByte(1), To: addrFromByte(2), Amount: big.NewInt(1), Fee: big.NewInt(0), Nonce: 0}
	tx.Hash = ComputeTxHash(tx)
	bad := &Block{Height: 1, ParentHash: genesis.Hash, Validator: validator, MerkleRoot: Hash{0x01}}
	bad.Hash = ComputeBlockHash(bad)
	if _, err := bs.CommitBlock(bad, []*Transaction{tx}, nil, nil); err == nil {
		t.Fatalf("expected an error for a mismatched merkle root")
	}
}

func TestBlockStoreRejectsUnknownValidatorAtNonZeroHeight(t *testing.T) {
	bs, _, _ := newTestBlockStore(t, "")
	genesis, genesisTxs := genesisBlock(addrFromByte(1), big.NewInt(1000))
	if _, err := bs.CommitBlock(genesis, genesisTxs, nil, nil); err != nil {
		t.Fatalf("commit genesis: %v", err)
	}

	block := &Block{Height: 1, ParentHash: genesis.Hash, Validator: addrFromByte(99), MerkleRoot: MerkleRootOf(nil)}
	block.Hash = ComputeBlockHash(block)
	if _, err := bs.CommitBlock(block, nil, nil, nil); err == nil {
		t.Fatalf("expected an error: validator was never registered")
	}
}

func TestBlockStoreDuplicateTxWithinBlockRollsBackAtomically(t *testing.T) {
	bs, state, _ := newTestBlockStore(t, "")
	sender, recipient := addrFromByte(1), addrFromByte(2)
	state.Credit(sender, big.NewInt(100))

	tx := &Transaction{From: sender, To: recipient, Amount: big.NewInt(30), Fee: big.NewInt(0), Nonce: 0, Timestamp: 1}
	tx.Hash = ComputeTxHash(tx)
	txs := []*Transaction{tx, tx} // same tx included twice: a duplicate within one block

	hashes := []Hash{tx.Hash, tx.Hash}
	block := &Block{Height: 0, MerkleRoot: MerkleRootOf(hashes), TransactionsCount: len(hashes)}
	block.Hash = ComputeBlockHash(block)

	if _, err := bs.CommitBlock(block, txs, nil, nil); err == nil {
		t.Fatalf("expected an error committing a block with a repeated transaction")
	}

	if got := state.BalanceOf(sender); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("sender balance = %s, want the full 100 restored after rollback", got)
	}
	if got := state.BalanceOf(recipient); got.Sign() != 0 {
		t.Fatalf("recipient balance = %s, want 0: the first tx's effect must also be rolled back", got)
	}
	if bs.Height() != -1 {
		t.Fatalf("BlockStore.Height() = %d, want -1: the failed block must not be appended", bs.Height())
	}
}

func TestBlockStoreTransferFailsAtomicallyWhenFeeUnaffordable(t *testing.T) {
	bs, state, validators := newTestBlockStore(t, "")
	sender, recipient := addrFromByte(1), addrFromByte(2)
	state.Credit(sender, big.NewInt(100))

	validator := addrFromByte(9)
	validators.Upsert(validator, []byte("pub"), nil)

	genesis, genesisTxs := genesisBlock(addrFromByte(3), big.NewInt(1))
	if _, err := bs.CommitBlock(genesis, genesisTxs, nil, nil); err != nil {
		t.Fatalf("commit genesis: %v", err)
	}

	// Balance covers amount (100) but not amount+fee (100+10); the transfer
	// must not move the principal before the fee debit is even attempted.
	tx := &Transaction{From: sender, To: recipient, Amount: big.NewInt(100), Fee: big.NewInt(10), Nonce: 0, Timestamp: 1}
	tx.Hash = ComputeTxHash(tx)
	block := &Block{Height: 1, ParentHash: genesis.Hash, Validator: validator, MerkleRoot: MerkleRootOf([]Hash{tx.Hash}), TransactionsCount: 1}
	block.Hash = ComputeBlockHash(block)

	committed, err := bs.CommitBlock(block, []*Transaction{tx}, nil, nil)
	if err != nil {
		t.Fatalf("CommitBlock: %v", err)
	}
	confirmedTx, ok := bs.GetTransaction(tx.Hash)
	if !ok || confirmedTx.Status != TxFailed {
		t.Fatalf("expected the tx to be recorded as failed, got ok=%v status=%v", ok, confirmedTx)
	}
	if committed.Height != 1 {
		t.Fatalf("a failed-but-confirmed tx must still let its block commit")
	}
	if got := state.BalanceOf(sender); got.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("sender balance = %s, want 90 (only the fee charged, principal untouched)", got)
	}
	if got := state.BalanceOf(recipient); got.Sign() != 0 {
		t.Fatalf("recipient balance = %s, want 0: the amount must never have moved", got)
	}
}

func TestBlockStoreWALReplayRebuildsState(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "ledger.wal")
	to := addrFromByte(7)

	bs1, state1, _ := newTestBlockStore(t, walPath)
	block, txs := genesisBlock(to, big.NewInt(250))
	if _, err := bs1.CommitBlock(block, txs, nil, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := state1.BalanceOf(to); got.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("balance before close = %s, want 250", got)
	}
	if err := bs1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	bs2, state2, _ := newTestBlockStore(t, walPath)
	if bs2.Height() != 0 {
		t.Fatalf("replayed height = %d, want 0", bs2.Height())
	}
	if got := state2.BalanceOf(to); got.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("replayed balance = %s, want 250", got)
	}
	if _, ok := bs2.GetByHash(block.Hash); !ok {
		t.Fatalf("expected the replayed block to be retrievable by hash")
	}
}
