package auth

import (
	"encoding/binary"
	"math/big"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var domainTypeHash = TypeHash("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)")

// Domain separates signatures of this venue from every other typed-data signer.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

func (d Domain) Separator() common.Hash {
	return HashStruct(domainTypeHash,
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		Uint64Word(d.ChainID),
		AddressWord(d.VerifyingContract),
	)
}

// Digest returns keccak256(0x1901 || separator || structHash), the value signed by wallets.
func (d Domain) Digest(structHash common.Hash) common.Hash {
	sep := d.Separator()
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, sep[:], structHash[:])
}

func TypeHash(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}

// HashStruct hashes typeHash followed by 32-byte encoded words.
func HashStruct(typeHash common.Hash, words ...[]byte) common.Hash {
	parts := make([][]byte, 0, len(words)+1)
	parts = append(parts, typeHash[:])
	parts = append(parts, words...)
	return crypto.Keccak256Hash(parts...)
}

func AddressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

// UintWord encodes a non-negative amount. Negative values must use IntWord.
func UintWord(v sdkmath.Int) []byte {
	out := make([]byte, 32)
	if v.IsNil() || v.IsNegative() {
		return out
	}
	v.BigInt().FillBytes(out)
	return out
}

// IntWord encodes a signed amount as 256-bit two's complement.
func IntWord(v sdkmath.Int) []byte {
	out := make([]byte, 32)
	if v.IsNil() {
		return out
	}
	b := v.BigInt()
	if b.Sign() < 0 {
		b.Add(b, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	b.FillBytes(out)
	return out
}

func Uint64Word(n uint64) []byte {
	out := make([]byte, 32)
	binary.BigEndian.PutUint64(out[24:], n)
	return out
}
