package work

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/dashstratum/poolcore/internal/node"
	"github.com/dashstratum/poolcore/pkg/util"
)

// maxFutureNtimeSkew is the two-hour future bound a submitted ntime must
// stay within, per spec §4.5 check_ntime.
const maxFutureNtimeSkew = 2 * time.Hour

// CoinbaseConfig is the pool-operator configuration needed to build a
// template's coinbase; it is static across templates.
type CoinbaseConfig struct {
	PoolWallet     string
	PoolSignature  []byte
	CoinbaseExtras []byte
	ExtranonceSize int
}

// submitKey is the duplicate-guard key: extranonce1 ‖ extranonce2 ‖ ntime ‖
// nonce, each 4 raw bytes. A fixed-size array is directly usable as a map
// key, giving O(1) lookup (Open Question: the source's linear list is
// replaced by a hash set).
type submitKey [16]byte

// NotifyArgs is the mining.notify broadcast tuple, per spec §4.5
// build_broadcast_args.
type NotifyArgs struct {
	JobID      string
	PrevHash   string // stratum word-swapped hex
	Coinb1     string
	Coinb2     string
	Branch     []string
	VersionHex string
	BitsHex    string
	NtimeHex   string
	CleanJobs  bool
}

// BlockTemplate is one snapshot of pending network work: the coinbase,
// merkle branch, and derived target/serialization fields, plus the
// mutable duplicate-submission guard and finalized header fields set once
// a share becomes a block candidate.
type BlockTemplate struct {
	JobID string

	Height      int64
	Version     int32
	PrevHashBin []byte // internal LE form: reverseBytes(display)
	PrevHashHex string // stratum word-swapped hex, for broadcast
	Bits        uint32
	BitsHex     string
	CurTime     uint32
	Target      *big.Int
	TargetHex   string // display-order hex of Target, for logging/metrics

	Coinb1 []byte
	Coinb2 []byte

	MerkleBranch [][]byte

	Transactions []node.TemplateTransaction

	broadcastArgs NotifyArgs

	mu      sync.Mutex
	submits map[submitKey]struct{}

	finalMerkleRoot []byte
	finalNtime      [4]byte
	finalNonce      [4]byte
	finalE1         [4]byte
	finalE2         [4]byte
	finalized       bool
	cachedBlockHash []byte
}

// FillFromNode populates a BlockTemplate from a getblocktemplate response:
// it builds the merkle branch from the template's transactions, builds
// the coinbase, and computes the target, prevhash representations, and
// the mining.notify broadcast tuple.
func FillFromNode(jobID string, resp *node.TemplateResponse, cfg CoinbaseConfig, cleanJobs bool) (*BlockTemplate, error) {
	bits64, err := strconv.ParseUint(resp.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: parse bits %q: %v", ErrInvalidTemplate, resp.Bits, err)
	}
	bits := uint32(bits64)

	displayHash, err := hex.DecodeString(resp.PreviousBlockHash)
	if err != nil || len(displayHash) != 32 {
		return nil, fmt.Errorf("%w: parse previousblockhash: %v", ErrInvalidTemplate, err)
	}
	prevHashBin := util.ReverseBytes(displayHash)
	prevHashStratum := append([]byte{}, prevHashBin...)
	util.SwapWords4(prevHashStratum)

	var auxFlags []byte
	if resp.CoinbaseAux != nil && resp.CoinbaseAux.Flags != "" {
		auxFlags, err = hex.DecodeString(resp.CoinbaseAux.Flags)
		if err != nil {
			return nil, fmt.Errorf("%w: parse coinbaseaux.flags: %v", ErrInvalidTemplate, err)
		}
	}

	var extraPayload []byte
	if resp.CoinbasePayload != "" {
		extraPayload, err = hex.DecodeString(resp.CoinbasePayload)
		if err != nil {
			return nil, fmt.Errorf("%w: parse coinbase_payload: %v", ErrInvalidTemplate, err)
		}
	}

	var masternodes []MasternodePayout
	if resp.Masternode != nil {
		masternodes = append(masternodes, MasternodePayout{Payee: resp.Masternode.Payee, Amount: resp.Masternode.Amount})
	}
	for _, mn := range resp.Masternodes {
		masternodes = append(masternodes, MasternodePayout{Payee: mn.Payee, Amount: mn.Amount})
	}

	coinbaseTx, offset, err := BuildCoinbase(CoinbaseInput{
		Height:         resp.Height,
		AuxFlags:       auxFlags,
		CurTime:        resp.CurTime,
		Masternodes:    masternodes,
		CoinbaseValue:  resp.CoinbaseValue,
		ExtraPayload:   extraPayload,
		PoolWallet:     cfg.PoolWallet,
		PoolSignature:  cfg.PoolSignature,
		CoinbaseExtras: cfg.CoinbaseExtras,
		ExtranonceSize: cfg.ExtranonceSize,
	})
	if err != nil {
		return nil, err
	}

	var txHashes [][]byte
	for i, tx := range resp.Transactions {
		display, err := hex.DecodeString(tx.TxID)
		if err != nil || len(display) != 32 {
			return nil, fmt.Errorf("%w: transaction %d txid: %v", ErrInvalidTemplate, i, err)
		}
		txHashes = append(txHashes, util.ReverseBytes(display))
	}
	branch, err := BuildMerkleBranch(txHashes)
	if err != nil {
		return nil, fmt.Errorf("%w: merkle branch: %v", ErrInvalidTemplate, err)
	}

	target := util.ExpandCompact(bits)
	targetBE := util.SerUint256BE(target)

	t := &BlockTemplate{
		JobID:        jobID,
		Height:       resp.Height,
		Version:      resp.Version,
		PrevHashBin:  prevHashBin,
		PrevHashHex:  hex.EncodeToString(prevHashStratum),
		Bits:         bits,
		BitsHex:      resp.Bits,
		CurTime:      uint32(resp.CurTime),
		Target:       target,
		TargetHex:    hex.EncodeToString(targetBE[:]),
		Coinb1:       coinbaseTx[:offset],
		Coinb2:       coinbaseTx[offset+extranoncePlaceholderSize:],
		MerkleBranch: branch,
		Transactions: resp.Transactions,
		submits:      make(map[submitKey]struct{}),
	}

	branchHex := make([]string, len(branch))
	for i, b := range branch {
		branchHex[i] = hex.EncodeToString(b)
	}
	versionHex := make([]byte, 4)
	binary.BigEndian.PutUint32(versionHex, uint32(t.Version))
	ntimeHex := make([]byte, 4)
	binary.BigEndian.PutUint32(ntimeHex, t.CurTime)

	t.broadcastArgs = NotifyArgs{
		JobID:      jobID,
		PrevHash:   t.PrevHashHex,
		Coinb1:     hex.EncodeToString(t.Coinb1),
		Coinb2:     hex.EncodeToString(t.Coinb2),
		Branch:     branchHex,
		VersionHex: hex.EncodeToString(versionHex),
		BitsHex:    t.BitsHex,
		NtimeHex:   hex.EncodeToString(ntimeHex),
		CleanJobs:  cleanJobs,
	}

	return t, nil
}

// BuildBroadcastArgs returns the mining.notify broadcast tuple computed at
// template-fill time. clean_jobs is always true for newly-registered
// templates (spec §4.5): existing callers read it from the stored value.
func (t *BlockTemplate) BuildBroadcastArgs() NotifyArgs {
	return t.broadcastArgs
}

// RegisterSubmit records a (e1, e2, ntime, nonce) submission tuple,
// returning true iff it was not already present (i.e. not a duplicate).
func (t *BlockTemplate) RegisterSubmit(e1, e2, ntime, nonce [4]byte) bool {
	var key submitKey
	copy(key[0:4], e1[:])
	copy(key[4:8], e2[:])
	copy(key[8:12], ntime[:])
	copy(key[12:16], nonce[:])

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.submits[key]; seen {
		return false
	}
	t.submits[key] = struct{}{}
	return true
}

// CheckNtime returns false if ntime is behind the template's curtime or
// more than two hours ahead of wall-clock now.
func (t *BlockTemplate) CheckNtime(ntime uint32, now time.Time) bool {
	if ntime < t.CurTime {
		return false
	}
	maxFuture := uint32(now.Add(maxFutureNtimeSkew).Unix())
	if ntime > maxFuture {
		return false
	}
	return true
}

// SerializeHeader builds the 80-byte block header from the template's
// fixed fields plus the caller-supplied merkle root and raw (wire-order)
// ntime/nonce bytes. The returned header is in the pre-swap form: each
// 4-byte word must be byte-reversed (see registry's submit pipeline,
// spec §4.7 step 8) before it is a valid scrypt PoW input or matches the
// real on-wire block header encoding.
func (t *BlockTemplate) SerializeHeader(merkleRoot []byte, ntime, nonce [4]byte) []byte {
	header := make([]byte, 80)

	versionBE := make([]byte, 4)
	binary.BigEndian.PutUint32(versionBE, uint32(t.Version))
	copy(header[0:4], versionBE)

	prevSwapped := append([]byte{}, t.PrevHashBin...)
	util.SwapWords4(prevSwapped)
	copy(header[4:36], prevSwapped)

	mrSwapped := append([]byte{}, merkleRoot...)
	util.SwapWords4(mrSwapped)
	copy(header[36:68], mrSwapped)

	copy(header[68:72], ntime[:])

	bitsBE := make([]byte, 4)
	binary.BigEndian.PutUint32(bitsBE, t.Bits)
	copy(header[72:76], bitsBE)

	copy(header[76:80], nonce[:])

	return header
}

// Finalize records the winning submission's merkle root, extranonces and
// header fields, invalidating any cached block hash.
func (t *BlockTemplate) Finalize(merkleRoot []byte, e1, e2, ntime, nonce [4]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalMerkleRoot = append([]byte{}, merkleRoot...)
	t.finalE1 = e1
	t.finalE2 = e2
	t.finalNtime = ntime
	t.finalNonce = nonce
	t.finalized = true
	t.cachedBlockHash = nil
}

// Serialize emits the full block (header ‖ varint(tx_count) ‖ coinbase ‖
// other transactions in order) suitable for submitblock. Finalize must
// have been called first.
func (t *BlockTemplate) Serialize() (string, error) {
	if !t.finalized {
		return "", fmt.Errorf("template not finalized")
	}

	// SerializeHeader returns the pre-swap form; swapping each 4-byte word
	// yields the canonical little-endian on-wire header, which is also the
	// exact byte sequence the submit pipeline feeds to the PoW function.
	header := t.SerializeHeader(t.finalMerkleRoot, t.finalNtime, t.finalNonce)
	util.SwapWords4(header)

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(util.WriteVarInt(uint64(1 + len(t.Transactions))))

	coinbase := make([]byte, 0, len(t.Coinb1)+8+len(t.Coinb2))
	coinbase = append(coinbase, t.Coinb1...)
	coinbase = append(coinbase, t.finalE1[:]...)
	coinbase = append(coinbase, t.finalE2[:]...)
	coinbase = append(coinbase, t.Coinb2...)
	buf.Write(coinbase)

	for i, tx := range t.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return "", fmt.Errorf("decode transaction %d: %w", i, err)
		}
		buf.Write(raw)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

// FinalCoinbaseHash returns the double-SHA256 hash of the finalized
// coinbase transaction. Finalize must have been called first.
func (t *BlockTemplate) FinalCoinbaseHash() [32]byte {
	coinbase := make([]byte, 0, len(t.Coinb1)+8+len(t.Coinb2))
	coinbase = append(coinbase, t.Coinb1...)
	coinbase = append(coinbase, t.finalE1[:]...)
	coinbase = append(coinbase, t.finalE2[:]...)
	coinbase = append(coinbase, t.Coinb2...)
	return util.DoubleSHA256(coinbase)
}
