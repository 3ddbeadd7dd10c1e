package auth

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignerKind selects the verification scheme for an account.
type SignerKind uint8

const (
	// SignerKey accounts sign with a raw secp256k1 key.
	SignerKey SignerKind = iota
	// SignerContract accounts (vaults) validate signatures themselves.
	SignerContract
)

// Verifier checks that sig over digest was produced for signer.
type Verifier interface {
	Verify(signer common.Address, digest common.Hash, sig []byte) bool
}

// ContractAccountChecker is the delegated validation hook for contract accounts.
type ContractAccountChecker interface {
	IsValidSignature(account common.Address, digest common.Hash, sig []byte) bool
}

// RawKeyVerifier recovers the signing address from a 65-byte [R || S || V] signature.
type RawKeyVerifier struct{}

func (RawKeyVerifier) Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d, want %d", len(sig), crypto.SignatureLength)
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, fmt.Errorf("signature values out of range")
	}
	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func (v RawKeyVerifier) Verify(signer common.Address, digest common.Hash, sig []byte) bool {
	got, err := v.Recover(digest, sig)
	return err == nil && got == signer
}

// DelegatedVerifier asks the account itself whether the signature is valid.
type DelegatedVerifier struct {
	Checker ContractAccountChecker
}

func (v DelegatedVerifier) Verify(account common.Address, digest common.Hash, sig []byte) bool {
	if v.Checker == nil {
		return false
	}
	return v.Checker.IsValidSignature(account, digest, sig)
}

// SignatureVerifier routes to the raw-key or delegated scheme.
type SignatureVerifier struct {
	raw       RawKeyVerifier
	delegated DelegatedVerifier
}

func NewSignatureVerifier(checker ContractAccountChecker) *SignatureVerifier {
	return &SignatureVerifier{delegated: DelegatedVerifier{Checker: checker}}
}

func (v *SignatureVerifier) Verify(kind SignerKind, signer common.Address, digest common.Hash, sig []byte) bool {
	if kind == SignerContract {
		return v.delegated.Verify(signer, digest, sig)
	}
	return v.raw.Verify(signer, digest, sig)
}

// Recover returns the raw-key signer of digest.
func (v *SignatureVerifier) Recover(digest common.Hash, sig []byte) (common.Address, error) {
	return v.raw.Recover(digest, sig)
}
