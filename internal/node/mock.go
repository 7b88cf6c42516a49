package node

import (
	"context"
	"sync"
)

// MockClient implements Client for testing.
type MockClient struct {
	mu sync.Mutex

	Template        *TemplateResponse
	BestBlockHash   string
	Difficulty      float64
	Info            *InfoResult
	SubmittedBlocks []string
	SubmitAccept    bool
	BlockByHash     map[string]*BlockInfo

	GetBlockTemplateErr  error
	SubmitBlockErr       error
	GetBlockErr          error
	ValidateAddressErr   error
	GetBestBlockHashErr  error
	GetDifficultyErr     error
	GetInfoErr           error
}

// NewMockClient creates a mock node client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		Template: &TemplateResponse{
			Version:           536870912,
			PreviousBlockHash: "0000000000000003fa0d845513ea5014a7859d411f5f4a91eaab24eb47a18f39",
			Transactions:      []TemplateTransaction{},
			CoinbaseValue:     5000000000,
			Target:            "00000000ffff0000000000000000000000000000000000000000000000000000",
			CurTime:           1700000000,
			Bits:              "1d00ffff",
			Height:            800000,
		},
		BestBlockHash: "0000000000000003fa0d845513ea5014a7859d411f5f4a91eaab24eb47a18f39",
		Difficulty:    1.0,
		SubmitAccept:  true,
		BlockByHash:   make(map[string]*BlockInfo),
	}
}

func (m *MockClient) GetBlockTemplate(_ context.Context) (*TemplateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetBlockTemplateErr != nil {
		return nil, m.GetBlockTemplateErr
	}
	return m.Template, nil
}

func (m *MockClient) SubmitBlock(_ context.Context, blockHex, powHashHex string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitBlockErr != nil {
		return false, m.SubmitBlockErr
	}
	m.SubmittedBlocks = append(m.SubmittedBlocks, blockHex)
	if info, ok := m.BlockByHash[powHashHex]; ok {
		return info.Hash == powHashHex, nil
	}
	return m.SubmitAccept, nil
}

func (m *MockClient) GetBlock(_ context.Context, hashHex string) (*BlockInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetBlockErr != nil {
		return nil, m.GetBlockErr
	}
	if info, ok := m.BlockByHash[hashHex]; ok {
		return info, nil
	}
	return &BlockInfo{Hash: hashHex}, nil
}

func (m *MockClient) ValidateAddress(_ context.Context, addr string) (*ValidateAddressResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ValidateAddressErr != nil {
		return nil, m.ValidateAddressErr
	}
	return &ValidateAddressResult{IsValid: true, Address: addr}, nil
}

func (m *MockClient) GetBestBlockHash(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetBestBlockHashErr != nil {
		return "", m.GetBestBlockHashErr
	}
	return m.BestBlockHash, nil
}

func (m *MockClient) GetDifficulty(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetDifficultyErr != nil {
		return 0, m.GetDifficultyErr
	}
	return m.Difficulty, nil
}

func (m *MockClient) GetInfo(_ context.Context) (*InfoResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetInfoErr != nil {
		return nil, m.GetInfoErr
	}
	if m.Info != nil {
		return m.Info, nil
	}
	return &InfoResult{Version: 1, Blocks: 800000, Difficulty: m.Difficulty}, nil
}
