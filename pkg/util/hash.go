package util

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"golang.org/x/crypto/scrypt"
)

// DoubleSHA256 computes SHA256(SHA256(data)), used extensively in Bitcoin.
func DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// ReverseBytes returns a new slice with bytes reversed.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// HashToHex returns a reversed hex string of a hash (Bitcoin display order).
func HashToHex(hash [32]byte) string {
	return hex.EncodeToString(ReverseBytes(hash[:]))
}

// Uint256FromLE parses 32 little-endian bytes as an unsigned 256-bit integer.
func Uint256FromLE(le []byte) *big.Int {
	return new(big.Int).SetBytes(ReverseBytes(le))
}

// SerUint256 encodes i as 32 little-endian bytes.
func SerUint256(i *big.Int) [32]byte {
	var out [32]byte
	be := i.Bytes()
	copy(out[32-len(be):], be)
	rev := ReverseBytes(out[:])
	copy(out[:], rev)
	return out
}

// SerUint256BE encodes i as 32 big-endian bytes.
func SerUint256BE(i *big.Int) [32]byte {
	var out [32]byte
	be := i.Bytes()
	copy(out[32-len(be):], be)
	return out
}

// CompactToTarget converts a Bitcoin compact (nBits) representation to a big.Int target.
func CompactToTarget(compact uint32) *big.Int {
	exponent := compact >> 24
	mantissa := compact & 0x007fffff

	target := new(big.Int).SetUint64(uint64(mantissa))

	if exponent <= 3 {
		target.Rsh(target, uint(8*(3-exponent)))
	} else {
		target.Lsh(target, uint(8*(exponent-3)))
	}

	// Negative bit
	if compact&0x00800000 != 0 {
		target.Neg(target)
	}

	return target
}

// ExpandCompact is the spec name for CompactToTarget: standard Bitcoin
// "nBits" expansion, used for both the network target and per-user targets.
func ExpandCompact(bits uint32) *big.Int {
	return CompactToTarget(bits)
}

// Diff1Target is the canonical "difficulty 1" target used by diff_to_target.
// Pinned exactly per spec: 0x00000000ffff0000000000000000000000000000000000000000000000000000.
var Diff1Target = func() *big.Int {
	t, ok := new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)
	if !ok {
		panic("invalid diff-1 constant")
	}
	return t
}()

// DiffToTarget computes target = diff1 / d (integer division). A
// non-positive difficulty is treated as 1 (easiest possible target).
func DiffToTarget(d float64) *big.Int {
	if d <= 0 {
		d = 1
	}
	diff1Float := new(big.Float).SetInt(Diff1Target)
	targetFloat := new(big.Float).Quo(diff1Float, big.NewFloat(d))
	target, _ := targetFloat.Int(nil)
	return target
}

// TargetToDifficulty converts a target to difficulty relative to the given max target.
func TargetToDifficulty(target, maxTarget *big.Int) float64 {
	if target.Sign() == 0 {
		return 0
	}
	maxFloat := new(big.Float).SetInt(maxTarget)
	targetFloat := new(big.Float).SetInt(target)
	diff := new(big.Float).Quo(maxFloat, targetFloat)
	result, _ := diff.Float64()
	return result
}

// HashMeetsTarget checks if a hash (as little-endian 32 bytes) is <= target.
func HashMeetsTarget(hash [32]byte, target *big.Int) bool {
	reversed := ReverseBytes(hash[:])
	hashInt := new(big.Int).SetBytes(reversed)
	return hashInt.Cmp(target) <= 0
}

// Uint32ToBytes converts a uint32 to 4-byte little-endian.
func Uint32ToBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// scryptN, scryptR, scryptP are the reference scrypt PoW parameters.
const (
	scryptN = 1024
	scryptR = 1
	scryptP = 1
)

// ScryptPoW computes the scrypt(N=1024, r=1, p=1) proof-of-work hash of an
// 80-byte block header, salted with itself as is standard for Litecoin-
// family (and therefore Dash-family scrypt) proof-of-work.
func ScryptPoW(header []byte) ([32]byte, error) {
	var out [32]byte
	digest, err := scrypt.Key(header, header, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return out, err
	}
	copy(out[:], digest)
	return out, nil
}

// SwapWords4 byte-swaps each 4-byte word of b in place, as required before
// feeding a block header to ScryptPoW (the header is grouped into 20
// little-endian 32-bit words, each reversed to big-endian before hashing).
func SwapWords4(b []byte) {
	for i := 0; i+3 < len(b); i += 4 {
		b[i], b[i+3] = b[i+3], b[i]
		b[i+1], b[i+2] = b[i+2], b[i+1]
	}
}
