package work

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dashstratum/poolcore/pkg/util"
)

func sampleCoinbaseInput() CoinbaseInput {
	return CoinbaseInput{
		Height:         800000,
		AuxFlags:       []byte{0x00},
		CurTime:        1700000000,
		CoinbaseValue:  5000000000,
		PoolWallet:     "XfKfz7JfU6u1j7V3VcGqJg6y6d9fVhPWuY",
		PoolSignature:  []byte("/poolcore/"),
		CoinbaseExtras: []byte("extra"),
		ExtranonceSize: 8,
	}
}

// TestCoinbaseSplitRoundTrip verifies testable property 1: coinb1 ‖
// placeholder ‖ coinb2 reconstructs the original serialized coinbase, and
// the placeholder does not occur elsewhere in the transaction.
func TestCoinbaseSplitRoundTrip(t *testing.T) {
	tx, offset, err := BuildCoinbase(sampleCoinbaseInput())
	if err != nil {
		t.Fatalf("BuildCoinbase: %v", err)
	}

	coinb1 := tx[:offset]
	placeholder := tx[offset : offset+8]
	coinb2 := tx[offset+8:]

	rebuilt := append(append(append([]byte{}, coinb1...), placeholder...), coinb2...)
	if !bytes.Equal(rebuilt, tx) {
		t.Error("coinb1 ‖ placeholder ‖ coinb2 does not reconstruct the original coinbase")
	}

	for i := 0; i <= len(coinb1)-8; i++ {
		if bytes.Equal(coinb1[i:i+8], placeholder) {
			t.Errorf("placeholder sentinel also appears in coinb1 at offset %d", i)
		}
	}
	for i := 0; i <= len(coinb2)-8; i++ {
		if bytes.Equal(coinb2[i:i+8], placeholder) {
			t.Errorf("placeholder sentinel also appears in coinb2 at offset %d", i)
		}
	}
}

// TestExtranoncePlacement verifies testable scenario: splicing e1/e2 into
// the placeholder produces a deterministic, hashable coinbase.
func TestExtranoncePlacement(t *testing.T) {
	tx, offset, err := BuildCoinbase(sampleCoinbaseInput())
	if err != nil {
		t.Fatalf("BuildCoinbase: %v", err)
	}

	if tx[offset-1] != 0x08 {
		t.Fatalf("byte before placeholder = %#x, want push-length 0x08", tx[offset-1])
	}

	e1 := []byte{0x00, 0x00, 0x00, 0x01}
	e2 := []byte{0x00, 0x00, 0x00, 0x00}

	spliced := append(append(append([]byte{}, tx[:offset]...), e1...), append(e2, tx[offset+8:]...)...)
	if !bytes.Equal(spliced[offset:offset+8], append(e1, e2...)) {
		t.Error("extranonce not placed at recorded offset")
	}

	h1 := util.DoubleSHA256(spliced)
	h2 := util.DoubleSHA256(spliced)
	if h1 != h2 {
		t.Error("coinbase hash is not deterministic")
	}
}

func TestBuildCoinbaseInvalidTemplateNonPositiveRemainder(t *testing.T) {
	in := sampleCoinbaseInput()
	in.CoinbaseValue = 100
	in.Masternodes = []MasternodePayout{{Payee: in.PoolWallet, Amount: 100}}

	_, _, err := BuildCoinbase(in)
	if !errors.Is(err, ErrInvalidTemplate) {
		t.Fatalf("expected ErrInvalidTemplate, got %v", err)
	}
}

func TestBuildCoinbaseMasternodePayoutsAcceptedEvenWhenEmpty(t *testing.T) {
	in := sampleCoinbaseInput()
	in.Masternodes = nil
	in.ExtraPayload = nil

	if _, _, err := BuildCoinbase(in); err != nil {
		t.Fatalf("BuildCoinbase with nil masternodes/payload should succeed: %v", err)
	}
}

func TestBuildCoinbaseWithMasternodesAndExtraPayload(t *testing.T) {
	in := sampleCoinbaseInput()
	in.Masternodes = []MasternodePayout{
		{Payee: in.PoolWallet, Amount: 1000000000},
	}
	in.ExtraPayload = []byte{0x01, 0x02, 0x03}

	tx, offset, err := BuildCoinbase(in)
	if err != nil {
		t.Fatalf("BuildCoinbase: %v", err)
	}
	if offset <= 0 || offset >= len(tx) {
		t.Fatalf("offset %d out of range for tx length %d", offset, len(tx))
	}
}
