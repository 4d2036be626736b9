package voting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/voterd/voterd/internal/transport"
)

const safeService = "safe"

const governorABIJSON = `[{
	"name": "castVote",
	"type": "function",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "proposalId", "type": "uint256"},
		{"name": "support", "type": "uint8"},
		{"name": "reason", "type": "string"}
	],
	"outputs": []
}]`

var governorABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(governorABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// EncodeCastVote ABI-encodes the governor call. Snapshot's 1-based
// choice maps onto the governor support scale (0=against, 1=for,
// 2=abstain) by position in the proposal's choice list.
func EncodeCastVote(proposalID *big.Int, support uint8, reason string) ([]byte, error) {
	return governorABI.Pack("castVote", proposalID, support, reason)
}

// ProposalIDToUint256 interprets a bytes32 hex proposal id as the
// governor's uint256 proposal id; other id formats are keccak-hashed to
// a stable 32-byte value.
func ProposalIDToUint256(id string) *big.Int {
	if b, err := hexutil.Decode(id); err == nil && len(b) == 32 {
		return new(big.Int).SetBytes(b)
	}
	return new(big.Int).SetBytes(crypto.Keccak256([]byte(id)))
}

// SafeTx carries the fields the transaction service hashes and stores.
// Gas fields stay zero: execution is gasless through the relayer.
type SafeTx struct {
	Safe      common.Address
	To        common.Address
	Value     *big.Int
	Data      []byte
	Operation uint8
	Nonce     *big.Int
	ChainID   int64
}

// TypedData renders the SafeTx EIP-712 structure (Safe contracts
// >= 1.3.0: chain id participates in the domain separator).
func (tx *SafeTx) TypedData() apitypes.TypedData {
	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"SafeTx": []apitypes.Type{
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "operation", Type: "uint8"},
				{Name: "safeTxGas", Type: "uint256"},
				{Name: "baseGas", Type: "uint256"},
				{Name: "gasPrice", Type: "uint256"},
				{Name: "gasToken", Type: "address"},
				{Name: "refundReceiver", Type: "address"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		Domain: apitypes.TypedDataDomain{
			ChainId:           math.NewHexOrDecimal256(tx.ChainID),
			VerifyingContract: tx.Safe.Hex(),
		},
		PrimaryType: "SafeTx",
		Message: apitypes.TypedDataMessage{
			"to":             tx.To.Hex(),
			"value":          value.String(),
			"data":           hexutil.Bytes(tx.Data),
			"operation":      fmt.Sprintf("%d", tx.Operation),
			"safeTxGas":      "0",
			"baseGas":        "0",
			"gasPrice":       "0",
			"gasToken":       (common.Address{}).Hex(),
			"refundReceiver": (common.Address{}).Hex(),
			"nonce":          tx.Nonce.String(),
		},
	}
}

// Hash computes the safeTxHash owners sign.
func (tx *SafeTx) Hash() (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(tx.TypedData())
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(digest), nil
}

// SafeClient talks to the Safe transaction service.
type SafeClient struct {
	BaseURL    string
	Safe       common.Address
	ChainID    int64
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewSafeClient(baseURL string, safe common.Address, chainID int64, timeout time.Duration) *SafeClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SafeClient{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Safe:    safe,
		ChainID: chainID,
		// Rely on per-request context deadlines, not a client-level timeout.
		HTTPClient: &http.Client{Timeout: 0},
		Timeout:    timeout,
	}
}

func (c *SafeClient) Address() common.Address { return c.Safe }

// NextNonce fetches the Safe's current nonce from the service.
func (c *SafeClient) NextNonce(ctx context.Context) (*big.Int, error) {
	cctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	url := fmt.Sprintf("%s/api/v1/safes/%s/", c.BaseURL, c.Safe.Hex())
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, transport.WrapNetworkError(safeService, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := transport.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		msg := fmt.Sprintf("safe info failed: %s", strings.TrimSpace(string(raw)))
		return nil, transport.FromHTTPStatus(safeService, resp.StatusCode, msg, ra)
	}
	var info struct {
		Nonce json.Number `json:"nonce"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode safe info: %w", err)
	}
	n, ok := new(big.Int).SetString(info.Nonce.String(), 10)
	if !ok {
		return nil, fmt.Errorf("invalid safe nonce %q", info.Nonce)
	}
	return n, nil
}

// Propose signs the SafeTx with the identity and submits it to the
// transaction service, returning the safeTxHash.
func (c *SafeClient) Propose(ctx context.Context, id *Identity, tx *SafeTx) (common.Hash, error) {
	hash, err := tx.Hash()
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash safe tx: %w", err)
	}
	sig, err := id.SignDigest(hash.Bytes())
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign safe tx: %w", err)
	}

	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}
	body, err := json.Marshal(map[string]any{
		"safe":                    tx.Safe.Hex(),
		"to":                      tx.To.Hex(),
		"value":                   value.String(),
		"data":                    hexutil.Encode(tx.Data),
		"operation":               tx.Operation,
		"safeTxGas":               0,
		"baseGas":                 0,
		"gasPrice":                0,
		"gasToken":                (common.Address{}).Hex(),
		"refundReceiver":          (common.Address{}).Hex(),
		"nonce":                   tx.Nonce.Uint64(),
		"contractTransactionHash": hash.Hex(),
		"sender":                  id.Address().Hex(),
		"signature":               hexutil.Encode(sig),
	})
	if err != nil {
		return common.Hash{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	url := fmt.Sprintf("%s/api/v1/safes/%s/multisig-transactions/", c.BaseURL, tx.Safe.Hex())
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return common.Hash{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return common.Hash{}, transport.WrapNetworkError(safeService, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := transport.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		msg := fmt.Sprintf("multisig-transactions failed: %s", strings.TrimSpace(string(raw)))
		return common.Hash{}, transport.FromHTTPStatus(safeService, resp.StatusCode, msg, ra)
	}
	return hash, nil
}

// SelfTransfer builds the 0-value no-op transaction the liveness
// controller submits when a day passes without an on-chain vote.
func (c *SafeClient) SelfTransfer(nonce *big.Int) *SafeTx {
	return &SafeTx{
		Safe:    c.Safe,
		To:      c.Safe,
		Value:   big.NewInt(0),
		Data:    nil,
		Nonce:   nonce,
		ChainID: c.ChainID,
	}
}
