package core

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
)

func bigFromUint64(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

// canonicalTxPayload renders the hashed subset of a transaction's fields into
// a map so encoding/json's lexicographically-sorted map-key marshaling gives
// us the canonical form spec §6 asks for, without a hand-rolled key sorter —
// the same trick the teacher's StateRoot() uses on a pre-sorted slice.
func canonicalTxPayload(tx *Transaction) map[string]string {
	amount := "0"
	if tx.Amount != nil {
		amount = tx.Amount.String()
	}
	fee := "0"
	if tx.Fee != nil {
		fee = tx.Fee.String()
	}
	gasPrice := "0"
	if tx.GasPrice != nil {
		gasPrice = tx.GasPrice.String()
	}
	return map[string]string{
		"from":      tx.From.Hex(),
		"to":        tx.To.Hex(),
		"amount":    amount,
		"fee":       fee,
		"nonce":     fmt.Sprintf("%d", tx.Nonce),
		"gas_limit": fmt.Sprintf("%d", tx.GasLimit),
		"gas_price": gasPrice,
		"data":      fmt.Sprintf("%x", tx.Data),
		"timestamp": fmt.Sprintf("%d", tx.Timestamp),
	}
}

// ComputeTxHash is a pure function of tx's from, to, amount, fee, nonce,
// gas_limit, gas_price, data and timestamp (spec §3 Transaction invariant);
// Status, Kind, GasUsed, Signature and the block-confirmation fields are not
// hashed.
func ComputeTxHash(tx *Transaction) Hash {
	b, _ := json.Marshal(canonicalTxPayload(tx))
	return sha256.Sum256(b)
}

func canonicalBlockPayload(b *Block) map[string]string {
	return map[string]string{
		"height":             fmt.Sprintf("%d", b.Height),
		"parent_hash":        b.ParentHash.Hex(),
		"timestamp":          fmt.Sprintf("%d", b.Timestamp),
		"merkle_root":        b.MerkleRoot.Hex(),
		"validator":          b.Validator.Hex(),
		"transactions_count": fmt.Sprintf("%d", b.TransactionsCount),
		"metadata_difficulty": fmt.Sprintf("%d", b.Metadata.Difficulty),
		"metadata_nonce":      fmt.Sprintf("%d", b.Metadata.Nonce),
	}
}

// ComputeBlockHash is SHA-256 of the canonical JSON of the block header
// fields named in spec §6 (transactions are committed separately and are
// represented here only through MerkleRoot/TransactionsCount).
func ComputeBlockHash(b *Block) Hash {
	buf, _ := json.Marshal(canonicalBlockPayload(b))
	return sha256.Sum256(buf)
}

// DeriveContractAddress implements spec §6's deterministic contract-address
// formula: sha256(deployer || bytecode || deployerNonce), truncated to the
// first 20 bytes (rendered as the first 40 hex chars of the digest).
func DeriveContractAddress(deployer Address, bytecode []byte, deployerNonce uint64) Address {
	h := sha256.New()
	h.Write(deployer[:])
	h.Write(bytecode)
	nb := make([]byte, 8)
	for i := 0; i < 8; i++ {
		nb[i] = byte(deployerNonce >> (8 * (7 - i)))
	}
	h.Write(nb)
	digest := h.Sum(nil)
	var addr Address
	copy(addr[:], digest[:len(addr)])
	return addr
}

// DeriveNodeID implements the node-registry derivation named in spec §4.5:
// node_id = H(from || domain || now).
func DeriveNodeID(from Address, domain string, now int64) Hash {
	h := sha256.New()
	h.Write(from[:])
	h.Write([]byte(domain))
	nb := make([]byte, 8)
	for i := 0; i < 8; i++ {
		nb[i] = byte(now >> (8 * (7 - i)))
	}
	h.Write(nb)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// CanonicalizeLeaf hashes an arbitrary JSON-marshalable value into a Merkle
// leaf digest, per spec §4.1 ("inputs that are not already digests are first
// canonicalized and SHA-256'd").
func CanonicalizeLeaf(v interface{}) (Hash, error) {
	if h, ok := v.(Hash); ok {
		return h, nil
	}
	if b, ok := v.([]byte); ok && len(b) == 32 {
		var h Hash
		copy(h[:], b)
		return h, nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return Hash{}, err
	}
	return sha256.Sum256(buf), nil
}
