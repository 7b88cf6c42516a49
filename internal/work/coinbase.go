package work

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/dashstratum/poolcore/pkg/util"
)

// ErrInvalidTemplate is returned when a node-provided template cannot be
// turned into a valid coinbase: masternode payouts leave the pool's
// remainder non-positive, or a payee address/pubkey is malformed.
var ErrInvalidTemplate = fmt.Errorf("invalid template")

// extranoncePlaceholderSize is the fixed width of the extranonce1‖extranonce2
// sentinel spliced into the coinbase scriptSig.
const extranoncePlaceholderSize = 8

// extranonceSentinel fills the placeholder in the serialized coinbase. It
// is non-zero so it cannot be confused with the null prevout hash or other
// zero-filled fields.
var extranonceSentinel = [extranoncePlaceholderSize]byte{0xf0, 0x00, 0x00, 0x0f, 0xf1, 0x11, 0x11, 0x1f}

// coinbaseVersion and coinbaseType are the DIP2 special-transaction fields
// for a coinbase carrying masternode-payout/extra-payload data.
const (
	coinbaseVersion = 3
	coinbaseType    = 5
)

// MasternodePayout is one masternode reward output: pay amount satoshis to
// payee, which is either a base58check P2PKH address or a 66-hex-character
// compressed public key (P2PK).
type MasternodePayout struct {
	Payee  string
	Amount int64
}

// CoinbaseInput carries every value needed to build a template's coinbase
// transaction. Masternode payouts and the extra payload are first-class
// inputs — always accepted, even when empty — rather than optional
// parameters bolted on after the fact.
type CoinbaseInput struct {
	Height         int64
	AuxFlags       []byte
	CurTime        int64
	Masternodes    []MasternodePayout
	CoinbaseValue  int64
	ExtraPayload   []byte
	PoolWallet     string
	PoolSignature  []byte
	CoinbaseExtras []byte
	ExtranonceSize int
}

// BuildCoinbase constructs the full serialized coinbase transaction for a
// template, plus the byte offset of the 8-byte extranonce placeholder
// within it. The transaction is serialized exactly once; callers split it
// at the returned offset into (coinb1, coinb2) and never re-encode.
func BuildCoinbase(in CoinbaseInput) (tx []byte, extranonceOffset int, err error) {
	if in.ExtranonceSize <= 0 {
		in.ExtranonceSize = extranoncePlaceholderSize
	}

	scriptSig, placeholderOffsetInScript, err := buildScriptSig(in)
	if err != nil {
		return nil, 0, err
	}

	outputs, err := buildOutputs(in)
	if err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer

	versionWord := uint32(coinbaseVersion) | uint32(coinbaseType)<<16
	buf.Write(util.Uint32ToBytes(versionWord))

	// vin: one input, null prevout, the scriptSig above, max sequence.
	buf.Write(util.WriteVarInt(1))
	buf.Write(make([]byte, 32)) // null prevout hash
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	scriptSigStart := buf.Len()
	buf.Write(util.SerString(scriptSig))
	extranonceOffset = scriptSigStart + lenOfVarint(uint64(len(scriptSig))) + placeholderOffsetInScript
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff}) // sequence

	// vout
	buf.Write(util.WriteVarInt(uint64(len(outputs))))
	for _, o := range outputs {
		var valBytes [8]byte
		putInt64LE(valBytes[:], o.value)
		buf.Write(valBytes[:])
		buf.Write(util.SerString(o.pkScript))
	}

	buf.Write(make([]byte, 4)) // nLockTime = 0

	// DIP2 extra payload, first-class even when empty.
	buf.Write(util.SerString(in.ExtraPayload))

	return buf.Bytes(), extranonceOffset, nil
}

type coinbaseOutput struct {
	value    int64
	pkScript []byte
}

// buildScriptSig assembles prefix ‖ placeholder ‖ suffix and returns the
// placeholder's byte offset within the script.
func buildScriptSig(in CoinbaseInput) ([]byte, int, error) {
	var prefix bytes.Buffer
	prefix.Write(util.SerNumber(in.Height))
	prefix.Write(in.AuxFlags)
	prefix.Write(util.SerNumber(in.CurTime))
	prefix.WriteByte(byte(in.ExtranonceSize)) // push length for the extranonce

	placeholderOffset := prefix.Len()

	suffix := util.SerString(append(append([]byte{}, in.CoinbaseExtras...), in.PoolSignature...))

	var script bytes.Buffer
	script.Write(prefix.Bytes())
	for i := 0; i < in.ExtranonceSize; i++ {
		script.WriteByte(extranonceSentinel[i%extranoncePlaceholderSize])
	}
	script.Write(suffix)

	return script.Bytes(), placeholderOffset, nil
}

// buildOutputs allocates masternode payouts first, then the pool's
// remainder, enforcing that the running value never settles at or below
// zero (this replaces the no-op assert the design notes flag: the check
// is real and raises ErrInvalidTemplate).
func buildOutputs(in CoinbaseInput) ([]coinbaseOutput, error) {
	value := in.CoinbaseValue
	var outputs []coinbaseOutput

	for _, mn := range in.Masternodes {
		if mn.Amount <= 0 {
			continue
		}
		value -= mn.Amount
		if value <= 0 {
			return nil, fmt.Errorf("%w: masternode payouts exceed coinbase value", ErrInvalidTemplate)
		}
		pkScript, err := payeeScript(mn.Payee)
		if err != nil {
			return nil, fmt.Errorf("%w: masternode payee %q: %v", ErrInvalidTemplate, mn.Payee, err)
		}
		outputs = append(outputs, coinbaseOutput{value: mn.Amount, pkScript: pkScript})
	}

	if value <= 0 {
		return nil, fmt.Errorf("%w: non-positive pool remainder", ErrInvalidTemplate)
	}

	poolScript, err := payeeScript(in.PoolWallet)
	if err != nil {
		return nil, fmt.Errorf("%w: pool wallet %q: %v", ErrInvalidTemplate, in.PoolWallet, err)
	}
	outputs = append(outputs, coinbaseOutput{value: value, pkScript: poolScript})

	return outputs, nil
}

// payeeScript builds a P2PKH scriptPubKey for a base58check address, or a
// P2PK scriptPubKey for a 66-hex-character compressed public key.
func payeeScript(payee string) ([]byte, error) {
	if len(payee) == 66 {
		pubkey, err := hex.DecodeString(payee)
		if err != nil {
			return nil, fmt.Errorf("decode pubkey: %w", err)
		}
		script := make([]byte, 0, 2+len(pubkey))
		script = append(script, byte(len(pubkey)))
		script = append(script, pubkey...)
		script = append(script, 0xac) // OP_CHECKSIG
		return script, nil
	}

	hash160, err := base58CheckDecode(payee)
	if err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	script := make([]byte, 0, 25)
	script = append(script, 0x76, 0xa9, 0x14) // OP_DUP OP_HASH160 push(20)
	script = append(script, hash160...)
	script = append(script, 0x88, 0xac) // OP_EQUALVERIFY OP_CHECKSIG
	return script, nil
}

// base58CheckDecode decodes a base58check address and returns its 20-byte
// pubkey hash, verifying the double-SHA256 checksum.
func base58CheckDecode(addr string) ([]byte, error) {
	payload, err := base58.Decode(addr)
	if err != nil {
		return nil, err
	}
	if len(payload) != 25 {
		return nil, fmt.Errorf("unexpected decoded length %d", len(payload))
	}
	checksum := util.DoubleSHA256(payload[:21])
	for i := 0; i < 4; i++ {
		if payload[21+i] != checksum[i] {
			return nil, fmt.Errorf("checksum mismatch")
		}
	}
	return payload[1:21], nil
}

// lenOfVarint returns the number of bytes WriteVarInt(v) would produce.
func lenOfVarint(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

func putInt64LE(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}
