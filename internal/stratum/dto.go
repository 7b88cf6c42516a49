// Package stratum holds the data-transfer shapes the template registry's
// submit path needs from the Stratum session layer. The wire framing
// (line-delimited JSON-RPC, subscribe/authorize) lives outside this core
// and is not implemented here.
package stratum

// Session is the per-client state the registry consults when validating a
// share: the extranonce1 the pool assigned this connection, its current
// difficulty, and (during a vardiff transition) the previous job/difficulty
// pair that still gets a grace window.
type Session struct {
	Extranonce1 [4]byte
	Difficulty  float64

	// PrevJobID and PrevDifficulty are set only while a vardiff retarget is
	// in flight; PrevJobID is empty otherwise.
	PrevJobID      string
	PrevDifficulty float64
}

// ShareSubmission is one client share as received over Stratum, still in
// wire hex form.
type ShareSubmission struct {
	JobID      string
	WorkerName string
	Extranonce2Hex string
	NtimeHex       string
	NonceHex       string
}
