package core

import (
	"path/filepath"
	"testing"
)

// appendPlainBlock commits an empty-transaction block directly onto bs
// through CommitBlock, which still enforces parent linkage, the merkle root
// of an empty tx list and (above height 0) an active validator.
func appendPlainBlock(t *testing.T, bs *BlockStore, height uint64, parent Hash, validator Address) *Block {
	t.Helper()
	block := &Block{Height: height, ParentHash: parent, Validator: validator, MerkleRoot: MerkleRootOf(nil), Timestamp: int64(height)}
	block.Hash = ComputeBlockHash(block)
	committed, err := bs.CommitBlock(block, nil, nil, nil)
	if err != nil {
		t.Fatalf("commit block at height %d: %v", height, err)
	}
	return committed
}

func TestPruningArchivesAndEvictsOldBlocks(t *testing.T) {
	state := NewStateManager(nil)
	validators := NewValidatorRegistry(nil)
	validator := addrFromByte(1)
	validators.Upsert(validator, []byte("pub"), nil)

	bs, err := NewBlockStore(BlockStoreConfig{State: state, Validators: validators, Stakes: NewStakeLedger(nil), Nodes: NewNodeRegistry()})
	if err != nil {
		t.Fatalf("NewBlockStore: %v", err)
	}

	var parent Hash
	blocks := make([]*Block, 0, 5)
	for h := uint64(0); h < 5; h++ {
		b := appendPlainBlock(t, bs, h, parent, validator)
		parent = b.Hash
		blocks = append(blocks, b)
	}

	archiveDir := filepath.Join(t.TempDir(), "archive")
	pm := NewPruningManager(bs, archiveDir, 2, 1, nil)

	archived, err := pm.Prune(4)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	// keepBlocks=2, interval=1, currentHeight=4 => cutoff = 4-2-1 = 1, so
	// heights 0 and 1 are archived, leaving heights 2, 3, 4.
	if archived != 2 {
		t.Fatalf("archived = %d, want 2", archived)
	}
	if _, ok := bs.GetByHash(blocks[0].Hash); ok {
		t.Fatalf("height 0 should have been evicted from the hot store")
	}
	if _, ok := bs.GetByHash(blocks[1].Hash); ok {
		t.Fatalf("height 1 should have been evicted from the hot store")
	}
	if _, ok := bs.GetByHash(blocks[2].Hash); !ok {
		t.Fatalf("height 2 should still be in the hot store")
	}
	if len(bs.ListBlocks(0, 100)) != 3 {
		t.Fatalf("hot store has %d blocks, want 3 remaining", len(bs.ListBlocks(0, 100)))
	}

	if _, ok := bs.GetByHeight(0); ok {
		t.Fatalf("GetByHeight(0) should report evicted, not the block now sitting at slice index 0")
	}
	if _, ok := bs.GetByHeight(1); ok {
		t.Fatalf("GetByHeight(1) should report evicted")
	}
	for h := uint64(2); h < 5; h++ {
		got, ok := bs.GetByHeight(h)
		if !ok || got.Hash != blocks[h].Hash {
			t.Fatalf("GetByHeight(%d) = (%+v, %v), want the original height-%d block", h, got, ok, h)
		}
	}
}

func TestPruningIsIdempotentAtTheSameHeight(t *testing.T) {
	state := NewStateManager(nil)
	validators := NewValidatorRegistry(nil)
	validator := addrFromByte(1)
	validators.Upsert(validator, []byte("pub"), nil)

	bs, err := NewBlockStore(BlockStoreConfig{State: state, Validators: validators, Stakes: NewStakeLedger(nil), Nodes: NewNodeRegistry()})
	if err != nil {
		t.Fatalf("NewBlockStore: %v", err)
	}
	var parent Hash
	for h := uint64(0); h < 5; h++ {
		b := appendPlainBlock(t, bs, h, parent, validator)
		parent = b.Hash
	}

	pm := NewPruningManager(bs, "", 2, 1, nil)
	first, err := pm.Prune(4)
	if err != nil {
		t.Fatalf("first Prune: %v", err)
	}
	if first == 0 {
		t.Fatalf("expected the first pruning pass to archive something")
	}
	second, err := pm.Prune(4)
	if err != nil {
		t.Fatalf("second Prune: %v", err)
	}
	if second != 0 {
		t.Fatalf("re-running Prune at the same height archived %d more, want 0", second)
	}
}

func TestPruningNoopBeforeKeepWindowElapses(t *testing.T) {
	state := NewStateManager(nil)
	validators := NewValidatorRegistry(nil)
	validator := addrFromByte(1)
	validators.Upsert(validator, []byte("pub"), nil)

	bs, err := NewBlockStore(BlockStoreConfig{State: state, Validators: validators, Stakes: NewStakeLedger(nil), Nodes: NewNodeRegistry()})
	if err != nil {
		t.Fatalf("NewBlockStore: %v", err)
	}
	appendPlainBlock(t, bs, 0, Hash{}, validator)

	pm := NewPruningManager(bs, "", 10, 10, nil)
	archived, err := pm.Prune(1)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if archived != 0 {
		t.Fatalf("archived = %d, want 0 before the keep window has elapsed", archived)
	}
	if len(bs.ListBlocks(0, 100)) != 1 {
		t.Fatalf("no blocks should have been evicted yet")
	}
}
