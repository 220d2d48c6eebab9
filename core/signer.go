package core

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// ECDSASigner is the concrete BlockSigner used by the block producer and
// the commit pipeline, grounded on the teacher's Transaction.Sign/VerifySig
// (core/transactions.go) secp256k1 usage. Signing over an already-computed
// 32-byte digest rather than re-hashing here keeps the signer decoupled
// from ComputeBlockHash/ComputeTxHash's field set.
type ECDSASigner struct {
	priv *ecdsa.PrivateKey
	addr Address
}

// NewECDSASigner derives the signer's address from priv via
// crypto.PubkeyToAddress, matching the teacher's FromCommon conversion.
func NewECDSASigner(priv *ecdsa.PrivateKey) *ECDSASigner {
	return &ECDSASigner{priv: priv, addr: fromCommonAddress(crypto.PubkeyToAddress(priv.PublicKey))}
}

// Address returns the signer's own validator/account address.
func (s *ECDSASigner) Address() Address { return s.addr }

// PublicKeyBytes returns the uncompressed public key, the form
// register_validator's public_key field stores (spec §4.5).
func (s *ECDSASigner) PublicKeyBytes() []byte {
	return crypto.FromECDSAPub(&s.priv.PublicKey)
}

// Sign produces a 65-byte {R||S||V} secp256k1 signature over digest.
func (s *ECDSASigner) Sign(digest Hash) ([]byte, error) {
	return crypto.Sign(digest[:], s.priv)
}

// Verify recovers the signer's public key from sig and checks both the
// signature validity and that the recovered address matches `signer`.
func (s *ECDSASigner) Verify(digest Hash, sig []byte, signer Address) bool {
	return VerifyECDSASignature(digest, sig, signer)
}

// VerifyECDSASignature is a standalone verifier usable without holding a
// private key (e.g. the commit pipeline verifying an externally-produced
// validator_signature).
func VerifyECDSASignature(digest Hash, sig []byte, signer Address) bool {
	if len(sig) != 65 {
		return false
	}
	pubKey, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return false
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pubKey), digest[:], sig[:64]) {
		return false
	}
	return fromCommonAddress(crypto.PubkeyToAddress(*pubKey)) == signer
}

func fromCommonAddress(a [20]byte) Address {
	var out Address
	copy(out[:], a[:])
	return out
}

var _ BlockSigner = (*ECDSASigner)(nil)

// init panics at startup if Address is not 20 bytes, the layout
// fromCommonAddress assumes for go-ethereum's common.Address.
func init() {
	if len(Address{}) != 20 {
		panic(fmt.Sprintf("core: Address must be 20 bytes, got %d", len(Address{})))
	}
}
