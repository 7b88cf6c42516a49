// Package testutil holds fixtures shared by the package test suites:
// sample node responses, coinbase configs, and masternode payouts shaped
// like a real Dash-family getblocktemplate response.
package testutil

import (
	"strings"

	"github.com/dashstratum/poolcore/internal/node"
	"github.com/dashstratum/poolcore/internal/work"
)

// SamplePrevHash is a stand-in 32-byte (64 hex char) previous block hash.
const SamplePrevHash = "0000000000000003fa0d845513ea5014a7859d411f5f4a91eaab24eb47a18f39"

// SamplePoolWallet is a syntactically valid base58check P2PKH address used
// across fixtures; it is not a real funded address.
const SamplePoolWallet = "yXpVmMJ9UZmQjZzA5LQxVb1ZSHcXCTW2ii"

// SampleMasternodePayee is a second base58check address used for
// masternode payout fixtures.
const SampleMasternodePayee = "yakDZtNpAbJsrM4t5UzxgRVqvyQz1gLpym"

// SampleCoinbaseConfig returns a minimal pool coinbase configuration.
func SampleCoinbaseConfig() work.CoinbaseConfig {
	return work.CoinbaseConfig{
		PoolWallet:     SamplePoolWallet,
		PoolSignature:  []byte("/poolcore/"),
		ExtranonceSize: 2 * work.ExtranonceSize,
	}
}

// SampleTemplateResponse returns a minimal, well-formed getblocktemplate
// response with no masternode payouts or DIP2 payload.
func SampleTemplateResponse() *node.TemplateResponse {
	return &node.TemplateResponse{
		Version:           536870912,
		PreviousBlockHash: SamplePrevHash,
		Transactions:      nil,
		CoinbaseAux:       &node.CoinbaseAux{Flags: ""},
		CoinbaseValue:     5_000_000_000,
		CurTime:           1_700_000_000,
		Bits:              "1d00ffff",
		Height:            800_000,
	}
}

// SampleTemplateResponseWithMasternode returns a getblocktemplate response
// carrying one masternode payout and a DIP2 coinbase_payload, exercising
// the pool-remainder-after-masternode-split path.
func SampleTemplateResponseWithMasternode() *node.TemplateResponse {
	resp := SampleTemplateResponse()
	resp.Masternodes = []node.MasternodeEntry{
		{Payee: SampleMasternodePayee, Amount: 625_000_000},
	}
	// A plausible (not consensus-verified) DIP2 extra_payload blob: a
	// version byte followed by a short, arbitrary payload.
	resp.CoinbasePayload = strings.Repeat("ab", 20)
	return resp
}
