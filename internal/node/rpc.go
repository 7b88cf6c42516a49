package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dashstratum/poolcore/internal/metrics"
)

// Client defines the upstream node methods the registry depends on. Only
// the methods and semantics listed here are in scope; the client itself —
// connection pooling, retries beyond what's described, TLS configuration —
// is an external collaborator.
type Client interface {
	GetBlockTemplate(ctx context.Context) (*TemplateResponse, error)
	SubmitBlock(ctx context.Context, blockHex, powHashHex string) (bool, error)
	GetBlock(ctx context.Context, hashHex string) (*BlockInfo, error)
	ValidateAddress(ctx context.Context, addr string) (*ValidateAddressResult, error)
	GetBestBlockHash(ctx context.Context) (string, error)
	GetDifficulty(ctx context.Context) (float64, error)
	GetInfo(ctx context.Context) (*InfoResult, error)
}

// RPCClient implements Client over JSON-RPC 1.0 with HTTP basic auth,
// rate-limited so a struggling node is never hammered by overlapping
// calls from the block updater's two polling cadences.
type RPCClient struct {
	url      string
	user     string
	password string
	client   *http.Client
	idSeq    atomic.Int64
	limiter  *rate.Limiter
}

// NewRPCClient creates a new node JSON-RPC client. ratePerSecond bounds
// outbound RPC calls; a value of 0 disables limiting.
func NewRPCClient(url, user, password string, ratePerSecond float64) *RPCClient {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &RPCClient{
		url:      url,
		user:     user,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  limiter,
	}
}

func (c *RPCClient) call(ctx context.Context, method string, params ...interface{}) (result json.RawMessage, err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	id := c.idSeq.Add(1)
	req := RPCRequest{JSONRPC: "1.0", ID: id, Method: method, Params: params}

	start := time.Now()
	defer func() {
		metrics.NodeRPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.NodeRPCErrors.WithLabelValues(method).Inc()
		}
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.user, c.password)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("RPC request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w (body: %s)", err, string(respBody))
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// GetBlockTemplate returns a new block template from the node.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*TemplateResponse, error) {
	templateReq := map[string]interface{}{"rules": []string{"dip0001"}}

	result, err := c.call(ctx, "getblocktemplate", templateReq)
	if err != nil {
		return nil, fmt.Errorf("getblocktemplate: %w", err)
	}

	var tmpl TemplateResponse
	if err := json.Unmarshal(result, &tmpl); err != nil {
		return nil, fmt.Errorf("unmarshal block template: %w", err)
	}

	return &tmpl, nil
}

// BlockRejectedError is returned when the node explicitly rejects a block
// (as opposed to a transport/RPC error). Rejected blocks should not be
// retried.
type BlockRejectedError struct {
	Reason string
}

func (e *BlockRejectedError) Error() string {
	return "block rejected: " + e.Reason
}

// SubmitBlock submits a mined block to the network. It issues submitblock;
// if the node reports "Method not found", it falls back to
// getblocktemplate({mode: "submit", data: block_hex}). On a null result it
// independently verifies acceptance via getblock(powHashHex), returning
// true only if the returned hash matches — this defends against nodes that
// silently accept then orphan.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex, powHashHex string) (bool, error) {
	result, err := c.call(ctx, "submitblock", blockHex)
	if err != nil {
		var rpcErr *RPCError
		if ok := asRPCError(err, &rpcErr); ok && rpcErr.Code == methodNotFoundCode {
			result, err = c.call(ctx, "getblocktemplate", map[string]interface{}{
				"mode": "submit",
				"data": blockHex,
			})
		}
		if err != nil {
			return false, fmt.Errorf("submitblock: %w", err)
		}
	}

	var rejectReason string
	if err := json.Unmarshal(result, &rejectReason); err == nil && rejectReason != "" {
		return false, &BlockRejectedError{Reason: rejectReason}
	}

	info, err := c.GetBlock(ctx, powHashHex)
	if err != nil {
		return false, fmt.Errorf("verify via getblock: %w", err)
	}
	return info != nil && info.Hash == powHashHex, nil
}

// GetBlock returns block info for a given hash.
func (c *RPCClient) GetBlock(ctx context.Context, hashHex string) (*BlockInfo, error) {
	result, err := c.call(ctx, "getblock", hashHex)
	if err != nil {
		return nil, fmt.Errorf("getblock: %w", err)
	}
	var info BlockInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("unmarshal block info: %w", err)
	}
	return &info, nil
}

// ValidateAddress validates a payout address with the node.
func (c *RPCClient) ValidateAddress(ctx context.Context, addr string) (*ValidateAddressResult, error) {
	result, err := c.call(ctx, "validateaddress", addr)
	if err != nil {
		return nil, fmt.Errorf("validateaddress: %w", err)
	}
	var v ValidateAddressResult
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, fmt.Errorf("unmarshal validateaddress: %w", err)
	}
	return &v, nil
}

// GetBestBlockHash returns the hash of the best (tip) block.
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "getbestblockhash")
	if err != nil {
		return "", fmt.Errorf("getbestblockhash: %w", err)
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("unmarshal best block hash: %w", err)
	}
	return hash, nil
}

// GetDifficulty returns the current network difficulty.
func (c *RPCClient) GetDifficulty(ctx context.Context) (float64, error) {
	result, err := c.call(ctx, "getdifficulty")
	if err != nil {
		return 0, fmt.Errorf("getdifficulty: %w", err)
	}
	var diff float64
	if err := json.Unmarshal(result, &diff); err != nil {
		return 0, fmt.Errorf("unmarshal difficulty: %w", err)
	}
	return diff, nil
}

// GetInfo returns general node info.
func (c *RPCClient) GetInfo(ctx context.Context) (*InfoResult, error) {
	result, err := c.call(ctx, "getinfo")
	if err != nil {
		return nil, fmt.Errorf("getinfo: %w", err)
	}
	var info InfoResult
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("unmarshal getinfo: %w", err)
	}
	return &info, nil
}

// asRPCError reports whether err is itself an *RPCError (wrapped errors
// are not unwrapped), and if so assigns it to *target.
func asRPCError(err error, target **RPCError) bool {
	rpcErr, ok := err.(*RPCError)
	if !ok {
		return false
	}
	*target = rpcErr
	return true
}
