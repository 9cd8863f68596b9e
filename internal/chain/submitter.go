package chain

import (
	"context"
	"fmt"

	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
)

// MultiChainSubmitter implements gasbank.ChainSubmitter by dispatching to
// the NeoClient or EthClient keyed on model.Chain.
type MultiChainSubmitter struct {
	neo *NeoClient
	eth *EthClient
}

// NewMultiChainSubmitter builds a MultiChainSubmitter. Either client may
// be nil if that chain is not configured; submission against a chain
// without a client fails loudly rather than silently.
func NewMultiChainSubmitter(neo *NeoClient, eth *EthClient) *MultiChainSubmitter {
	return &MultiChainSubmitter{neo: neo, eth: eth}
}

// Submit broadcasts txData against the given chain and target, returning
// the resulting transaction hash.
func (s *MultiChainSubmitter) Submit(ctx context.Context, chain model.Chain, target string, txData []byte) (string, error) {
	switch chain {
	case model.ChainNeoN3:
		if s.neo == nil {
			return "", fmt.Errorf("chain: neo n3 client not configured")
		}
		return s.neo.SendRawTransaction(ctx, txData)
	case model.ChainEthereum:
		if s.eth == nil {
			return "", fmt.Errorf("chain: ethereum client not configured")
		}
		return s.eth.SendRawTransaction(ctx, txData)
	default:
		return "", fmt.Errorf("chain: unsupported chain %q", chain)
	}
}

// Confirmed reports whether txHash has settled on the given chain.
func (s *MultiChainSubmitter) Confirmed(ctx context.Context, chain model.Chain, txHash string) (bool, error) {
	switch chain {
	case model.ChainNeoN3:
		if s.neo == nil {
			return false, fmt.Errorf("chain: neo n3 client not configured")
		}
		return s.neo.Confirmed(ctx, txHash)
	case model.ChainEthereum:
		if s.eth == nil {
			return false, fmt.Errorf("chain: ethereum client not configured")
		}
		return s.eth.Confirmed(ctx, txHash)
	default:
		return false, fmt.Errorf("chain: unsupported chain %q", chain)
	}
}
