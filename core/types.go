// Package core implements the ledger engine: block storage and the commit
// pipeline, the account/contract state manager, the mempool, the Merkle
// commitment used for transaction roots, and the smart-contract manager.
// Everything here is storage- and transport-agnostic; HTTP surfaces, CLIs,
// and the signature/VM primitives are wired in from the outside.
package core

import (
	"encoding/hex"
	"math/big"
	"time"
)

// Address is a 20-byte account identifier, rendered as "0x" + 40 hex chars.
type Address [20]byte

// ZeroAddress is reserved for mint/burn and system operations.
var ZeroAddress = Address{}

func (a Address) Bytes() []byte { return a[:] }

func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

func (a Address) IsZero() bool { return a == ZeroAddress }

// AddressFromHex parses a "0x"-prefixed (or bare) 40-hex-char address.
func AddressFromHex(s string) (Address, error) {
	var out Address
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, ErrMalformedAddress
	}
	copy(out[:], b)
	return out, nil
}

// Hash is a 32-byte digest, rendered as 64 hex chars.
type Hash [32]byte

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

func (h Hash) IsZero() bool { return h == Hash{} }

// HashFromHex parses a 64-hex-char digest.
func HashFromHex(s string) (Hash, error) {
	var out Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, ErrMalformedHash
	}
	copy(out[:], b)
	return out, nil
}

// Account is the per-address state record owned by the state manager (C2).
type Account struct {
	Balance     *big.Int `json:"balance"`
	Nonce       uint64   `json:"nonce"`
	CodeHash    Hash     `json:"code_hash"`
	StorageRoot Hash     `json:"storage_root"`
}

// IsContract reports whether the account carries deployed bytecode.
func (a *Account) IsContract() bool { return !a.CodeHash.IsZero() }

func newAccount() *Account {
	return &Account{Balance: new(big.Int)}
}

// Contract is the durable record owned by the contract manager (C4), mutated
// only through confirmed contract calls and never deleted.
type Contract struct {
	Address         Address           `json:"address"`
	Bytecode        []byte            `json:"bytecode"`
	ABI             []byte            `json:"abi"`
	Storage         map[string][]byte `json:"storage"`
	Deployer        Address           `json:"deployer"`
	DeployedAtBlock uint64            `json:"deployed_at_block"`
	SourceCode      string            `json:"source_code,omitempty"`
	Archived        bool              `json:"archived"`
	Paused          bool              `json:"paused"`
}

func newContract() *Contract {
	return &Contract{Storage: make(map[string][]byte)}
}

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// TxKind classifies the structured action carried in Transaction.Data, parsed
// at the ledger boundary (see data_action.go).
type TxKind string

const (
	TxTransfer          TxKind = "transfer"
	TxStake             TxKind = "stake"
	TxRegisterValidator TxKind = "register_validator"
	TxRegisterNode      TxKind = "register_node"
	TxGenesis           TxKind = "genesis"
	TxContractCall      TxKind = "contract_call"
)

// Transaction is the unit the ledger orders into blocks. Hash is a pure
// function of the fields ComputeTxHash lists (see txhash.go).
type Transaction struct {
	Hash    Hash    `json:"hash"`
	From    Address `json:"from"`
	To      Address `json:"to"`
	Amount  *big.Int `json:"amount"`
	Fee     *big.Int `json:"fee"`
	GasLimit uint64  `json:"gas_limit"`
	GasUsed  uint64  `json:"gas_used"`
	GasPrice *big.Int `json:"gas_price"`
	Nonce    uint64  `json:"nonce"`
	Data     []byte  `json:"data"`
	Signature []byte `json:"signature"`
	Timestamp int64  `json:"timestamp"`

	Status      TxStatus `json:"status"`
	BlockHash   Hash     `json:"block_hash,omitempty"`
	BlockHeight uint64   `json:"block_height,omitempty"`

	// Kind classifies the structured action this transaction carries,
	// resolved at the ledger boundary (see data_action.go) from data.action
	// or the sentinel from/to addresses spec §6 documents. Not hashed.
	Kind TxKind `json:"kind"`
}

// BlockMetadata carries informational PoW-era fields kept for explorer
// compatibility; under PoS they are not consulted by any invariant.
type BlockMetadata struct {
	Difficulty uint64 `json:"difficulty"`
	Nonce      uint64 `json:"nonce"`
}

// Block is the signed, ordered bundle of transactions committed by C5.
type Block struct {
	Height            uint64        `json:"height"`
	Hash              Hash          `json:"hash"`
	ParentHash        Hash          `json:"parent_hash"`
	Timestamp         int64         `json:"timestamp"`
	Validator         Address       `json:"validator"`
	Signature         []byte        `json:"signature"`
	MerkleRoot        Hash          `json:"merkle_root"`
	TransactionsCount int           `json:"transactions_count"`
	Metadata          BlockMetadata `json:"metadata"`

	Transactions []*Transaction `json:"transactions"`
}

// StakeStatus is the lifecycle of a stake record.
type StakeStatus string

const (
	StakeActive    StakeStatus = "active"
	StakeWithdrawn StakeStatus = "withdrawn"
	StakeCompleted StakeStatus = "completed"
)

// StakeRecord tracks one staking commitment by one staker to one validator.
type StakeRecord struct {
	ID            uint64      `json:"id"`
	Validator     Address     `json:"validator"`
	Staker        Address     `json:"staker"`
	Amount        *big.Int    `json:"amount"`
	StartBlock    uint64      `json:"start_block"`
	EndBlock      *uint64     `json:"end_block,omitempty"`
	Status        StakeStatus `json:"status"`
	RewardsEarned *big.Int    `json:"rewards_earned"`
}

// ValidatorStatus is the activity state of a registered validator.
type ValidatorStatus string

const (
	ValidatorActive   ValidatorStatus = "active"
	ValidatorInactive ValidatorStatus = "inactive"
)

// Validator is a registered entity authorized to sign blocks.
type Validator struct {
	Address        Address         `json:"address"`
	PublicKey      []byte          `json:"public_key"`
	Status         ValidatorStatus `json:"status"`
	CommissionRate float64         `json:"commission_rate"`
	BlocksProduced uint64          `json:"blocks_produced"`
	BlocksMissed   uint64          `json:"blocks_missed"`
}

// MempoolEntry is a pending transaction awaiting inclusion in a block.
type MempoolEntry struct {
	TxHash        Hash
	Tx            *Transaction
	PriorityScore float64
	Status        TxStatus
	CreatedAt     time.Time
	ExpiresAt     *time.Time
}

func (e *MempoolEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// Node is a registered network participant record (node_registry intent).
type Node struct {
	NodeID    Hash    `json:"node_id"`
	Owner     Address `json:"owner"`
	Domain    string  `json:"domain"`
	CreatedAt int64   `json:"created_at"`
}
