// neo.go adapts the teacher's infrastructure/chain/client.go Neo N3 RPC
// surface (GetBlockCount/GetBlock/GetTransaction/GetApplicationLog) to the
// execution substrate's needs: block/tx polling for C3 and meta-tx
// submission for C5. The neo-go SDK's actor/wallet machinery is not
// carried over (see DESIGN.md) — invocations here are pre-signed raw
// scripts submitted with sendrawtransaction, matching what the meta-tx
// relay already produces.
package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NeoBlock mirrors the subset of a Neo N3 "getblock" response the
// execution substrate consumes.
type NeoBlock struct {
	Hash              string            `json:"hash"`
	PreviousBlockHash string            `json:"previousblockhash"`
	Time              uint64            `json:"time"`
	Index             uint64            `json:"index"`
	Tx                []NeoTransaction  `json:"tx"`
}

// NeoTransaction mirrors the subset of a Neo N3 transaction record needed
// for trigger records and notification parsing.
type NeoTransaction struct {
	Hash   string `json:"hash"`
	Sender string `json:"sender"`
	Script string `json:"script"`
}

// NeoApplicationLog mirrors "getapplicationlog".
type NeoApplicationLog struct {
	TxID       string             `json:"txid"`
	Executions []neoExecutionItem `json:"executions"`
}

type neoExecutionItem struct {
	VMState       string               `json:"vmstate"`
	Notifications []neoNotificationRaw `json:"notifications"`
}

type neoNotificationRaw struct {
	Contract  string          `json:"contract"`
	EventName string          `json:"eventname"`
	State     json.RawMessage `json:"state"`
}

// NeoNotification is a decoded contract notification, ready to become a
// TriggerRecord.
type NeoNotification struct {
	Contract  string
	EventName string
	State     []any
}

// NeoClient is a JSON-RPC client for a Neo N3 node.
type NeoClient struct {
	rpc       *rpcClient
	networkID uint32
}

// NeoConfig configures a NeoClient.
type NeoConfig struct {
	RPCURL    string
	NetworkID uint32
	Timeout   time.Duration
}

// NewNeoClient builds a NeoClient.
func NewNeoClient(cfg NeoConfig) (*NeoClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain: neo rpc url required")
	}
	return &NeoClient{rpc: newRPCClient(cfg.RPCURL, cfg.Timeout), networkID: cfg.NetworkID}, nil
}

// NetworkID returns the configured network magic.
func (c *NeoClient) NetworkID() uint32 { return c.networkID }

// BlockCount returns the node's current block height.
func (c *NeoClient) BlockCount(ctx context.Context) (uint64, error) {
	result, err := c.rpc.call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	var count uint64
	if err := json.Unmarshal(result, &count); err != nil {
		return 0, fmt.Errorf("chain: decode block count: %w", err)
	}
	return count, nil
}

// Block returns a block by index.
func (c *NeoClient) Block(ctx context.Context, index uint64) (*NeoBlock, error) {
	result, err := c.rpc.call(ctx, "getblock", []interface{}{index, true})
	if err != nil {
		return nil, err
	}
	var block NeoBlock
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("chain: decode block: %w", err)
	}
	return &block, nil
}

// ApplicationLog returns the execution log for a confirmed transaction.
func (c *NeoClient) ApplicationLog(ctx context.Context, txHash string) (*NeoApplicationLog, error) {
	result, err := c.rpc.call(ctx, "getapplicationlog", []interface{}{txHash})
	if err != nil {
		return nil, err
	}
	var log NeoApplicationLog
	if err := json.Unmarshal(result, &log); err != nil {
		return nil, fmt.Errorf("chain: decode application log: %w", err)
	}
	return &log, nil
}

// Notifications extracts HALTed contract notifications from an
// application log, decoding the VM stack state into plain values.
func (log *NeoApplicationLog) Notifications() []NeoNotification {
	var out []NeoNotification
	for _, exec := range log.Executions {
		if exec.VMState != "HALT" {
			continue
		}
		for _, n := range exec.Notifications {
			items, err := decodeStackItems(n.State)
			if err != nil {
				continue
			}
			out = append(out, NeoNotification{Contract: n.Contract, EventName: n.EventName, State: items})
		}
	}
	return out
}

func decodeStackItems(raw json.RawMessage) ([]any, error) {
	var wrapper struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.Type != "Array" {
		return []any{wrapper}, nil
	}
	var items []any
	if err := json.Unmarshal(wrapper.Value, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SendRawTransaction broadcasts a pre-signed, serialized Neo N3
// transaction and returns its hash.
func (c *NeoClient) SendRawTransaction(ctx context.Context, txData []byte) (string, error) {
	encoded := hex.EncodeToString(txData)
	result, err := c.rpc.call(ctx, "sendrawtransaction", []interface{}{encoded})
	if err != nil {
		return "", err
	}
	var out struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("chain: decode sendrawtransaction result: %w", err)
	}
	return out.Hash, nil
}

// Confirmed reports whether txHash has a HALTed application log, i.e. it
// executed successfully on-chain.
func (c *NeoClient) Confirmed(ctx context.Context, txHash string) (bool, error) {
	log, err := c.ApplicationLog(ctx, txHash)
	if err != nil {
		if isUnknownTransaction(err) {
			return false, nil
		}
		return false, err
	}
	for _, exec := range log.Executions {
		if exec.VMState == "HALT" {
			return true, nil
		}
	}
	return false, nil
}

func isUnknownTransaction(err error) bool {
	var rpcErr *rpcError
	if e, ok := err.(*rpcError); ok {
		rpcErr = e
	}
	if rpcErr == nil {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return rpcErr.Code == -100 || rpcErr.Code == -105 || strings.Contains(msg, "unknown transaction")
}
