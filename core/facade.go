package core

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BlockBudget bounds a single produce_block call, governed by
// blockchain.block_time (advisory), blockchain.max_transactions_per_block
// and blockchain.max_gas_per_block (spec §4.6/§4.8).
type BlockBudget struct {
	MaxTransactions int
	MaxGas          uint64
}

// Ledger is the public surface consumed by the API layer and the block
// producer (C6), wiring together the Merkle engine, state manager, mempool,
// contract manager, block store, and registries into one entry point.
// Grounded on the teacher's Ledger type (core/ledger.go) as the facade
// shape, but holds references to these sub-components instead of owning
// their state directly.
type Ledger struct {
	mu sync.Mutex // serializes produce_block; single logical writer (spec §5)

	log        *logrus.Logger
	State      *StateManager
	Mempool    *Mempool
	Contracts  *ContractManager
	Blocks     *BlockStore
	Validators *ValidatorRegistry
	Stakes     *StakeLedger
	Nodes      *NodeRegistry
	Signer     BlockSigner
	Budget     BlockBudget
}

// LedgerConfig bundles the sub-components NewLedger wires together.
type LedgerConfig struct {
	WALPath string
	VM       VM
	Compiler Compiler
	Signer   BlockSigner
	Budget   BlockBudget
	Log      *logrus.Logger
}

// NewLedger constructs a full ledger stack: state manager, mempool,
// registries, contract manager, and a block store that replays its WAL
// (if any) to rebuild in-memory state on startup.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	state := NewStateManager(log)
	mempool := NewMempool(10000, log)
	validators := NewValidatorRegistry(log)
	stakes := NewStakeLedger(log)
	nodes := NewNodeRegistry()

	vm := cfg.VM
	if vm == nil {
		vm = NewStackVM()
	}
	compiler := cfg.Compiler
	if compiler == nil {
		compiler = PassthroughCompiler{}
	}
	contracts := NewContractManager(state, vm, compiler, log)

	blocks, err := NewBlockStore(BlockStoreConfig{
		WALPath:    cfg.WALPath,
		Validators: validators,
		Stakes:     stakes,
		Nodes:      nodes,
		State:      state,
		Mempool:    mempool,
		Log:        log,
	})
	if err != nil {
		return nil, err
	}

	budget := cfg.Budget
	if budget.MaxTransactions <= 0 {
		budget.MaxTransactions = 500
	}

	return &Ledger{
		log:        log,
		State:      state,
		Mempool:    mempool,
		Contracts:  contracts,
		Blocks:     blocks,
		Validators: validators,
		Stakes:     stakes,
		Nodes:      nodes,
		Signer:     cfg.Signer,
		Budget:     budget,
	}, nil
}

// SubmitTransaction implements spec §4.3's admission checks (i)-(v) and
// admits tx to the mempool on success.
func (l *Ledger) SubmitTransaction(tx *Transaction) (Hash, error) {
	if tx.Hash == (Hash{}) {
		tx.Hash = ComputeTxHash(tx)
	}
	isGenesis := tx.From == GenesisSenderAddress || tx.From == GenesisAddressSenderAddress

	if !isGenesis {
		if len(tx.Signature) != 65 || !VerifyECDSASignature(tx.Hash, tx.Signature, tx.From) {
			return Hash{}, ErrBadSignature
		}
	}

	expectedNonce := l.State.NonceOf(tx.From) + uint64(l.Mempool.PendingCount(tx.From))
	if !isGenesis && tx.Nonce != expectedNonce {
		return Hash{}, fmt.Errorf("%w: expected %d, got %d", ErrBadNonce, expectedNonce, tx.Nonce)
	}

	if !isGenesis {
		pendingAmount, pendingFee := l.Mempool.PendingTotal(tx.From)
		need := new(big.Int).Add(tx.Amount, tx.Fee)
		need.Add(need, pendingAmount)
		need.Add(need, pendingFee)
		if l.State.BalanceOf(tx.From).Cmp(need) < 0 {
			return Hash{}, ErrInsufficientBalance
		}
	}

	tx.Status = TxPending
	tx.Kind = ParseTxKind(tx)
	entry := &MempoolEntry{
		TxHash:        tx.Hash,
		Tx:            tx,
		PriorityScore: priorityScore(tx),
		Status:        TxPending,
		CreatedAt:     time.Unix(tx.Timestamp, 0).UTC(),
	}
	if err := l.Mempool.Admit(entry); err != nil {
		return Hash{}, err
	}
	return tx.Hash, nil
}

// priorityScore is fee/gas_limit, the metric spec §4.3 Ordering names.
func priorityScore(tx *Transaction) float64 {
	if tx.GasLimit == 0 || tx.Fee == nil {
		return 0
	}
	feeF := new(big.Float).SetInt(tx.Fee)
	score, _ := feeF.Quo(feeF, new(big.Float).SetUint64(tx.GasLimit)).Float64()
	return score
}

// ProduceBlock implements spec §4.6 produce_block: drain the mempool up to
// budget, run contract-call transactions against live state inside a state
// snapshot that is restored if signing or commit fails, package the header, request a signature, and hand off to the block store.
func (l *Ledger) ProduceBlock(producer Address, now int64) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Signer == nil {
		return nil, fmt.Errorf("produce_block: no signing oracle configured")
	}
	if !l.Validators.IsActive(producer) {
		return nil, &InvalidBlockError{Reason: ReasonUnknownValidator, Message: fmt.Sprintf("%s is not an active validator", producer.Hex())}
	}

	txs := l.Mempool.Drain(l.Budget.MaxTransactions, l.Budget.MaxGas)

	snapID := l.State.Snapshot()
	for _, tx := range txs {
		tx.Kind = ParseTxKind(tx)
		if tx.Kind == TxContractCall {
			l.executeContractCallScratch(tx)
		}
	}

	height := uint64(0)
	parentHash := Hash{}
	if latest, ok := l.Blocks.Latest(); ok {
		height = latest.Height + 1
		parentHash = latest.Hash
	}

	hashes := make([]Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash
	}

	block := &Block{
		Height:            height,
		ParentHash:        parentHash,
		Timestamp:         now,
		Validator:         producer,
		MerkleRoot:        MerkleRootOf(hashes),
		TransactionsCount: len(txs),
		Metadata:          BlockMetadata{},
	}
	block.Hash = ComputeBlockHash(block)

	sig, err := l.Signer.Sign(block.Hash)
	if err != nil {
		l.State.Restore(snapID)
		return nil, fmt.Errorf("signing block: %w", err)
	}

	committed, err := l.Blocks.CommitBlock(block, txs, sig, l.Signer)
	if err != nil {
		l.State.Restore(snapID)
		return nil, err
	}
	l.State.DiscardSnapshot(snapID)
	l.Validators.RecordProduced(producer)
	return committed, nil
}

// executeContractCallScratch parses a contract-call transaction's data
// payload and invokes the contract manager directly against live state,
// debiting gas per spec §4.4's accounting rule. Effects land before the
// block is assembled; BlockStore.applyTxEffectsLocked treats TxContractCall
// as already-applied (see blockstore.go). Divergence from a fully isolated
// scratch copy is documented in the design notes: produce_block is the sole
// writer, and CommitBlock failure triggers ProduceBlock's own snapshot
// restore, so the net effect is still atomic from any reader's perspective.
func (l *Ledger) executeContractCallScratch(tx *Transaction) {
	call, ok := parseContractCallData(tx.Data)
	if !ok {
		tx.Status = TxFailed
		return
	}
	res, err := l.Contracts.Call(CallRequest{
		ContractAddress: call.Contract,
		Function:        call.Function,
		Args:            call.Args,
		Caller:          tx.From,
		GasLimit:        tx.GasLimit,
		GasPrice:        gasPriceUint64(tx.GasPrice),
		Value:           amountUint64(tx.Amount),
		Timestamp:       tx.Timestamp,
	})
	if err != nil {
		tx.Status = TxFailed
		return
	}
	tx.GasUsed = res.GasUsed
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(res.GasUsed), safeBig(tx.GasPrice))
	_ = l.State.Debit(tx.From, gasCost) // best-effort; insufficient balance leaves tx failed-but-confirmed
	if !res.OK {
		tx.Status = TxFailed
		return
	}
	tx.Status = TxConfirmed
}

func safeBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func gasPriceUint64(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}

func amountUint64(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}

// GetBlock looks up a block by height or hash (id is either form, hex
// strings are treated as hashes).
func (l *Ledger) GetBlock(id string) (*Block, bool) {
	if h, err := HashFromHex(id); err == nil {
		return l.Blocks.GetByHash(h)
	}
	var height uint64
	if _, err := fmt.Sscanf(id, "%d", &height); err == nil {
		return l.Blocks.GetByHeight(height)
	}
	return nil, false
}

// GetTransaction looks up a transaction by hash.
func (l *Ledger) GetTransaction(hash Hash) (*Transaction, bool) {
	return l.Blocks.GetTransaction(hash)
}

// GetAccount returns the account view at addr.
func (l *Ledger) GetAccount(addr Address) (AccountView, bool) {
	return l.State.GetAccount(addr)
}

// GetContract returns the contract record at addr.
func (l *Ledger) GetContract(addr Address) (*Contract, bool) {
	return l.Contracts.Get(addr)
}
