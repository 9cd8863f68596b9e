// ethereum.go is the Ethereum leg of the chain package, added because the
// spec's meta-tx relay and gas-bank serve both Neo N3 and Ethereum
// principals. There is no Ethereum client in the teacher; this adapts the
// same rpcClient JSON-RPC envelope to the standard eth_* namespace,
// grounded on AKJUS-bsc-erigon being an Ethereum execution client in the
// pack (justifying an Ethereum JSON-RPC consumer as the adapter's
// counterpart) and on the teacher's own Call/GetBlockCount/GetBlock shape
// for the request/response plumbing.
package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EthClient is a JSON-RPC client for an Ethereum-compatible execution
// client (geth/erigon-style eth_* namespace).
type EthClient struct {
	rpc     *rpcClient
	chainID uint64
}

// EthConfig configures an EthClient.
type EthConfig struct {
	RPCURL  string
	ChainID uint64
	Timeout time.Duration
}

// NewEthClient builds an EthClient.
func NewEthClient(cfg EthConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain: ethereum rpc url required")
	}
	return &EthClient{rpc: newRPCClient(cfg.RPCURL, cfg.Timeout), chainID: cfg.ChainID}, nil
}

// ChainID returns the configured EIP-155 chain id.
func (c *EthClient) ChainID() uint64 { return c.chainID }

// BlockNumber returns the current chain head, in blocks.
func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.rpc.call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result)
}

// EthBlock mirrors the subset of "eth_getBlockByNumber" the substrate
// consumes.
type EthBlock struct {
	Hash       string   `json:"hash"`
	ParentHash string   `json:"parentHash"`
	Number     string   `json:"number"`
	Timestamp  string   `json:"timestamp"`
	TxHashes   []string `json:"transactions"`
}

// BlockByNumber returns a block by height with only transaction hashes
// populated (full-tx decoding is out of scope; the notification/log path
// uses eth_getLogs instead).
func (c *EthClient) BlockByNumber(ctx context.Context, number uint64) (*EthBlock, error) {
	result, err := c.rpc.call(ctx, "eth_getBlockByNumber", []interface{}{toQuantity(number), false})
	if err != nil {
		return nil, err
	}
	var block EthBlock
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("chain: decode eth block: %w", err)
	}
	return &block, nil
}

// EthLog mirrors a single "eth_getLogs" entry.
type EthLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	TxHash      string   `json:"transactionHash"`
	BlockNumber string   `json:"blockNumber"`
	Removed     bool     `json:"removed"`
}

// Logs fetches logs for the inclusive [fromBlock, toBlock] range, optionally
// filtered by contract address.
func (c *EthClient) Logs(ctx context.Context, fromBlock, toBlock uint64, address string) ([]EthLog, error) {
	filter := map[string]interface{}{
		"fromBlock": toQuantity(fromBlock),
		"toBlock":   toQuantity(toBlock),
	}
	if address != "" {
		filter["address"] = address
	}
	result, err := c.rpc.call(ctx, "eth_getLogs", []interface{}{filter})
	if err != nil {
		return nil, err
	}
	var logs []EthLog
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, fmt.Errorf("chain: decode eth logs: %w", err)
	}
	return logs, nil
}

// SendRawTransaction broadcasts a pre-signed RLP-encoded transaction and
// returns its hash.
func (c *EthClient) SendRawTransaction(ctx context.Context, txData []byte) (string, error) {
	encoded := "0x" + hex.EncodeToString(txData)
	result, err := c.rpc.call(ctx, "eth_sendRawTransaction", []interface{}{encoded})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("chain: decode eth_sendRawTransaction result: %w", err)
	}
	return hash, nil
}

// Confirmed reports whether txHash has a receipt with status 0x1.
func (c *EthClient) Confirmed(ctx context.Context, txHash string) (bool, error) {
	result, err := c.rpc.call(ctx, "eth_getTransactionReceipt", []interface{}{txHash})
	if err != nil {
		return false, err
	}
	if string(result) == "null" || len(result) == 0 {
		return false, nil
	}
	var receipt struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &receipt); err != nil {
		return false, fmt.Errorf("chain: decode eth receipt: %w", err)
	}
	return receipt.Status == "0x1", nil
}

func toQuantity(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

func decodeQuantity(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("chain: decode quantity: %w", err)
	}
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}
