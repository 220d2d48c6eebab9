package core

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// BlockSigner is the capability the block producer holds to sign (and the
// commit pipeline holds to verify) a block digest. Keeping this as a
// per-call capability rather than a BlockStorage<->ValidatorManager back
// reference removes the cyclic dependency spec §8 REDESIGN FLAGS calls out.
type BlockSigner interface {
	Sign(digest Hash) ([]byte, error)
	Verify(digest Hash, sig []byte, signer Address) bool
}

// BlockStoreConfig configures on-disk durability for the block store.
type BlockStoreConfig struct {
	WALPath  string
	Validators *ValidatorRegistry
	Stakes     *StakeLedger
	Nodes      *NodeRegistry
	State      *StateManager
	Mempool    *Mempool
	Log        *logrus.Logger
}

// BlockStore is the atomic block-commit pipeline (C5). It owns the
// authoritative chain (height-ordered blocks, indexed by hash) and is the
// only component permitted to mutate StateManager, the stake ledger, the
// validator registry, and the node registry as a side effect of a commit.
// Grounded on the teacher's Ledger.applyBlock/AddBlock/snapshot/prune
// (core/ledger.go), generalized from its UTXO+token model to spec.md's
// account-based commit state machine (§4.5).
type BlockStore struct {
	mu sync.Mutex
	log *logrus.Logger

	blocks     []*Block
	byHash     map[Hash]*Block
	byHeight   map[uint64]*Block
	txByHash   map[Hash]*Transaction
	walFile    *os.File

	validators *ValidatorRegistry
	stakes     *StakeLedger
	nodes      *NodeRegistry
	state      *StateManager
	mempool    *Mempool

	txnDepth int // commit nesting counter, spec §4.5 "Nested transactions"; CommitBlock always enters at depth 1
}

// NewBlockStore opens (creating if absent) the WAL file at cfg.WALPath and
// replays any blocks already recorded there, applying each one's effects in
// order so the in-memory StateManager/registries reflect the durable chain.
func NewBlockStore(cfg BlockStoreConfig) (*BlockStore, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	bs := &BlockStore{
		log:        log,
		byHash:     make(map[Hash]*Block),
		byHeight:   make(map[uint64]*Block),
		txByHash:   make(map[Hash]*Transaction),
		validators: cfg.Validators,
		stakes:     cfg.Stakes,
		nodes:      cfg.Nodes,
		state:      cfg.State,
		mempool:    cfg.Mempool,
	}

	if cfg.WALPath == "" {
		return bs, nil
	}
	f, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open WAL: %v", ErrStoreUnavailable, err)
	}
	bs.walFile = f

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: WAL decode: %v", ErrStoreUnavailable, err)
		}
		if _, err := bs.commitLocked(entry.Block, entry.Transactions, entry.Signature, false); err != nil {
			f.Close()
			return nil, fmt.Errorf("replaying WAL: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: WAL scan: %v", ErrStoreUnavailable, err)
	}
	return bs, nil
}

type walEntry struct {
	Block        *Block         `json:"block"`
	Transactions []*Transaction `json:"transactions"`
	Signature    []byte         `json:"signature"`
}

// Height returns the height of the latest committed block, or -1 if empty.
func (bs *BlockStore) Height() int64 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if len(bs.blocks) == 0 {
		return -1
	}
	return int64(bs.blocks[len(bs.blocks)-1].Height)
}

// Latest returns a copy of the latest committed block, if any.
func (bs *BlockStore) Latest() (*Block, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if len(bs.blocks) == 0 {
		return nil, false
	}
	return bs.blocks[len(bs.blocks)-1], true
}

// GetByHash returns the block stored under hash, if any.
func (bs *BlockStore) GetByHash(hash Hash) (*Block, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byHash[hash]
	return b, ok
}

// GetByHeight returns the block at height, if any. Keyed by a dedicated map
// rather than bs.blocks[height]: pruning evicts a prefix of bs.blocks,
// breaking the index-equals-height invariant a slice lookup would assume.
func (bs *BlockStore) GetByHeight(height uint64) (*Block, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byHeight[height]
	return b, ok
}

// GetTransaction returns a transaction by hash regardless of which block
// confirmed it.
func (bs *BlockStore) GetTransaction(hash Hash) (*Transaction, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	tx, ok := bs.txByHash[hash]
	return tx, ok
}

// ListBlocks returns up to limit blocks starting at page*limit, newest-last
// (ascending by height), for the read query layer (C9).
func (bs *BlockStore) ListBlocks(page, limit int) []*Block {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	start := page * limit
	if start >= len(bs.blocks) || limit <= 0 {
		return nil
	}
	end := start + limit
	if end > len(bs.blocks) {
		end = len(bs.blocks)
	}
	out := make([]*Block, end-start)
	copy(out, bs.blocks[start:end])
	return out
}

// CommitBlock is the public commit_block entry point (spec §4.5). It always
// owns its own transaction boundary (txnDepth starts at 0 for an external
// caller) and persists the block; no exported entry point joins an
// already-open commit.
func (bs *BlockStore) CommitBlock(block *Block, transactions []*Transaction, validatorSignature []byte, signer BlockSigner) (*Block, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.commitWithSigner(block, transactions, validatorSignature, signer, true)
}

func (bs *BlockStore) commitWithSigner(block *Block, transactions []*Transaction, sig []byte, signer BlockSigner, persist bool) (*Block, error) {
	bs.txnDepth++
	defer func() { bs.txnDepth-- }()
	owns := bs.txnDepth == 1

	if err := bs.validateHeaderLocked(block, transactions, sig, signer); err != nil {
		return nil, err
	}
	return bs.commitLocked(block, transactions, sig, owns && persist)
}

// validateHeaderLocked implements the VALIDATE_HEADER step. Caller holds bs.mu.
func (bs *BlockStore) validateHeaderLocked(block *Block, transactions []*Transaction, sig []byte, signer BlockSigner) error {
	latestHeight := int64(-1)
	if len(bs.blocks) > 0 {
		latestHeight = int64(bs.blocks[len(bs.blocks)-1].Height)
	}

	if existing, ok := bs.byHash[block.Hash]; ok {
		if int64(existing.Height) == latestHeight {
			return fmt.Errorf("%w: block %s already committed at height %d", ErrAlreadyCommitted, block.Hash.Hex(), existing.Height)
		}
	}

	if int64(block.Height) != latestHeight+1 {
		return &InvalidBlockError{Reason: ReasonBadParent, Message: fmt.Sprintf("expected height %d, got %d", latestHeight+1, block.Height)}
	}
	if block.Height > 0 {
		parent := bs.blocks[len(bs.blocks)-1]
		if block.ParentHash != parent.Hash {
			return &InvalidBlockError{Reason: ReasonBadParent, Message: "parent_hash does not match latest block hash"}
		}
	}

	hashes := make([]Hash, len(transactions))
	for i, tx := range transactions {
		hashes[i] = tx.Hash
	}
	if got := MerkleRootOf(hashes); got != block.MerkleRoot {
		return &InvalidBlockError{Reason: ReasonBadMerkle, Message: "merkle_root does not match computed transaction root"}
	}

	if block.Height > 0 {
		if bs.validators == nil || !bs.validators.IsActive(block.Validator) {
			return &InvalidBlockError{Reason: ReasonUnknownValidator, Message: fmt.Sprintf("validator %s is not active", block.Validator.Hex())}
		}
	}

	if signer != nil {
		digest := ComputeBlockHash(block)
		if !signer.Verify(digest, sig, block.Validator) {
			return &InvalidBlockError{Reason: ReasonBadSignature, Message: "validator_signature does not verify"}
		}
	}
	return nil
}

// commitLocked implements UPSERT_BLOCK, the per-tx loop, RECONCILE_MEMPOOL,
// and (if persist) durable WAL append. Caller holds bs.mu and has already
// validated the header.
func (bs *BlockStore) commitLocked(block *Block, transactions []*Transaction, sig []byte, persist bool) (*Block, error) {
	stored, existed := bs.byHash[block.Hash]
	if existed {
		return stored, nil // UPDATE-first pattern: re-commit of identical hash is a no-op
	}

	cp := *block
	cp.Signature = sig
	cp.Transactions = transactions
	cp.TransactionsCount = len(transactions)

	includedHashes := make([]Hash, 0, len(transactions))
	maxConfirmedNonce := make(map[Address]uint64)

	// A structural error partway through the per-tx loop must not leave
	// partial state mutations visible (spec §4.5 Failure model: "the whole
	// block fails"). snapID is the rollback point for that case.
	snapID := bs.state.Snapshot()
	for _, tx := range transactions {
		if dup := bs.findConfirmedDuplicateLocked(tx); dup != nil {
			bs.state.Restore(snapID)
			for _, h := range includedHashes {
				delete(bs.txByHash, h)
			}
			return nil, fmt.Errorf("duplicate confirmed transaction (from=%s to=%s amount=%s nonce=%d)", tx.From.Hex(), tx.To.Hex(), tx.Amount, tx.Nonce)
		}
		if err := bs.applyTxEffectsLocked(tx, block.Height); err != nil {
			bs.state.Restore(snapID)
			for _, h := range includedHashes {
				delete(bs.txByHash, h)
			}
			return nil, err
		}
		if tx.Status != TxFailed {
			tx.Status = TxConfirmed
		}
		tx.BlockHash = block.Hash
		tx.BlockHeight = block.Height
		bs.txByHash[tx.Hash] = tx
		includedHashes = append(includedHashes, tx.Hash)

		if tx.From != GenesisSenderAddress && tx.From != GenesisAddressSenderAddress {
			if cur, ok := maxConfirmedNonce[tx.From]; !ok || tx.Nonce > cur {
				maxConfirmedNonce[tx.From] = tx.Nonce
			}
		}
	}
	bs.state.DiscardSnapshot(snapID)

	bs.blocks = append(bs.blocks, &cp)
	bs.byHash[cp.Hash] = &cp
	bs.byHeight[cp.Height] = &cp

	for addr, nonce := range maxConfirmedNonce {
		bs.state.SetNonce(addr, nonce+1)
	}
	if bs.mempool != nil {
		bs.mempool.ReconcileAfterCommit(includedHashes, maxConfirmedNonce)
	}

	if persist && bs.walFile != nil {
		entry := walEntry{Block: &cp, Transactions: transactions, Signature: sig}
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("marshal WAL entry: %w", err)
		}
		if _, err := bs.walFile.Write(append(data, '\n')); err != nil {
			return nil, fmt.Errorf("%w: write WAL: %v", ErrStoreUnavailable, err)
		}
		if err := bs.walFile.Sync(); err != nil {
			return nil, fmt.Errorf("%w: sync WAL: %v", ErrStoreUnavailable, err)
		}
	}

	bs.log.WithFields(logrus.Fields{"height": cp.Height, "hash": cp.Hash.Hex(), "txs": len(transactions)}).Info("block committed")
	return &cp, nil
}

func (bs *BlockStore) findConfirmedDuplicateLocked(tx *Transaction) *Transaction {
	existing, ok := bs.txByHash[tx.Hash]
	if !ok {
		return nil
	}
	if existing.From == tx.From && existing.To == tx.To && existing.Nonce == tx.Nonce &&
		existing.Amount != nil && tx.Amount != nil && existing.Amount.Cmp(tx.Amount) == 0 {
		return existing
	}
	return nil
}

// applyTxEffectsLocked dispatches by tx.Kind, mutating StateManager/stake
// ledger/validator registry/node registry per spec §4.5.
func (bs *BlockStore) applyTxEffectsLocked(tx *Transaction, height uint64) error {
	if tx.Kind == "" {
		tx.Kind = ParseTxKind(tx)
	}
	isGenesisSender := tx.From == GenesisSenderAddress || tx.From == GenesisAddressSenderAddress

	switch tx.Kind {
	case TxGenesis:
		if height != 0 {
			return &InvalidBlockError{Reason: ReasonBadParent, Message: "genesis transaction outside height 0"}
		}
		bs.state.Credit(tx.To, tx.Amount)

	case TxStake:
		if !isGenesisSender {
			if err := bs.state.Debit(tx.From, tx.Amount); err != nil {
				tx.Status = TxFailed
				return nil
			}
		}
		validator := tx.From
		if v, ok := parseMetadataValidator(tx.Data); ok {
			validator = v
		}
		bs.stakes.Insert(validator, tx.From, tx.Amount, height)

	case TxRegisterValidator:
		pubKey, commission := parseValidatorRegistration(tx.Data)
		bs.validators.Upsert(tx.From, pubKey, commission)

	case TxRegisterNode:
		domain := string(tx.Data)
		node := &Node{
			NodeID:    DeriveNodeID(tx.From, domain, tx.Timestamp),
			Owner:     tx.From,
			Domain:    domain,
			CreatedAt: tx.Timestamp,
		}
		bs.nodes.Upsert(node)

	case TxContractCall:
		// Contract effects are applied by the ContractManager before the
		// block is assembled (produce_block executes against the scratch
		// snapshot); by commit time the transaction only needs its
		// confirmation bookkeeping, handled by the caller.

	default: // TxTransfer and unrecognized kinds treated as plain transfers
		if isGenesisSender {
			bs.state.Credit(tx.To, tx.Amount)
			return nil
		}
		fee := tx.Fee
		if fee == nil {
			fee = big.NewInt(0)
		}
		// amount+fee is checked as one combined total up front so a balance
		// that covers the amount but not amount+fee never lets the
		// principal move before a separate fee debit fails (spec §4.5:
		// amount+fee is debited as a single unit; a failed tx charges only
		// the fee, never a partial transfer).
		total := new(big.Int).Add(tx.Amount, fee)
		if bs.state.BalanceOf(tx.From).Cmp(total) < 0 {
			tx.Status = TxFailed
			if fee.Sign() > 0 {
				_ = bs.state.Debit(tx.From, fee) // best-effort — unpaid if even the fee doesn't fit
			}
			return nil
		}
		if !bs.state.Transfer(tx.From, tx.To, tx.Amount) {
			tx.Status = TxFailed
			return nil
		}
		if fee.Sign() > 0 {
			if err := bs.state.Debit(tx.From, fee); err != nil {
				tx.Status = TxFailed
				return nil
			}
		}
	}
	return nil
}

// parseMetadataValidator extracts an optional validator address override
// from a stake transaction's data payload, encoded as a 20-byte hex string.
func parseMetadataValidator(data []byte) (Address, bool) {
	if len(data) == 0 {
		return Address{}, false
	}
	addr, err := AddressFromHex(string(data))
	if err != nil {
		return Address{}, false
	}
	return addr, true
}

// parseValidatorRegistration decodes a register_validator transaction's data
// payload: "<hex public key>" or "<hex public key>|<commission rate>".
func parseValidatorRegistration(data []byte) ([]byte, *float64) {
	s := string(data)
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			var rate float64
			if _, err := fmt.Sscanf(s[i+1:], "%f", &rate); err == nil {
				return []byte(s[:i]), &rate
			}
			return []byte(s[:i]), nil
		}
	}
	return []byte(s), nil
}

// Close flushes and closes the underlying WAL file, if any.
func (bs *BlockStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.walFile == nil {
		return nil
	}
	return bs.walFile.Close()
}
