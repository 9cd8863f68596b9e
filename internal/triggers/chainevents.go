// chainevents.go adapts chain.NeoClient block/notification polling into
// the Source interface, grounded on the teacher's
// infrastructure/chain/listener_core.go EventListener.poll/
// processNewBlocks/processTransaction loop. The teacher only trims
// unconfirmed blocks off the tip (currentBlock -= confirmations); it does
// not detect or roll back a reorg. This adapter adds a parent-hash check:
// it remembers the hash of the last block it emitted and, if the next
// block's reported parent hash no longer matches, rewinds its cursor by
// one block and clears the remembered hash, so the next poll re-emits from
// that height. Records already emitted for the replaced block are not
// re-published with Superseded set, and a fork deeper than one block is
// not followed back to the fork point.
package triggers

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/R3E-Network/r3e-faas-sub003/internal/chain"
	"github.com/R3E-Network/r3e-faas-sub003/internal/logging"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
)

// NeoEventSource polls a Neo N3 node for new blocks and their contract
// notifications.
type NeoEventSource struct {
	sourceID      string
	client        *chain.NeoClient
	st            *store.Store
	pollInterval  time.Duration
	confirmations uint64
	contracts     map[string]bool // empty means "all contracts"
	log           *logging.Logger

	stopCh chan struct{}
}

// NeoEventConfig configures a NeoEventSource.
type NeoEventConfig struct {
	SourceID      string
	Client        *chain.NeoClient
	Store         *store.Store
	PollInterval  time.Duration
	Confirmations uint64
	Contracts     []string
	Logger        *logging.Logger
}

// NewNeoEventSource builds a NeoEventSource. Its last-processed block
// index is recovered from TableOffsets so a restart resumes instead of
// re-emitting the whole chain.
func NewNeoEventSource(cfg NeoEventConfig) *NeoEventSource {
	interval := cfg.PollInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	contracts := make(map[string]bool, len(cfg.Contracts))
	for _, c := range cfg.Contracts {
		contracts[c] = true
	}
	return &NeoEventSource{
		sourceID:      cfg.SourceID,
		client:        cfg.Client,
		st:            cfg.Store,
		pollInterval:  interval,
		confirmations: cfg.Confirmations,
		contracts:     contracts,
		log:           cfg.Logger,
		stopCh:        make(chan struct{}),
	}
}

func (s *NeoEventSource) ID() string { return s.sourceID }

func (s *NeoEventSource) offsetKey() string { return "lastblock:" + s.sourceID }
func (s *NeoEventSource) hashKey() string   { return "lastblockhash:" + s.sourceID }

func (s *NeoEventSource) loadCursor() (index uint64, hash string) {
	if raw, ok, _ := s.st.Get(store.TableOffsets, s.offsetKey()); ok {
		index = decodeUint64(raw)
	}
	if raw, ok, _ := s.st.Get(store.TableOffsets, s.hashKey()); ok {
		hash = string(raw)
	}
	return
}

func (s *NeoEventSource) saveCursor(index uint64, hash string) error {
	if err := s.st.Put(store.TableOffsets, s.offsetKey(), encodeUint64(index)); err != nil {
		return err
	}
	return s.st.Put(store.TableOffsets, s.hashKey(), []byte(hash))
}

// Run polls until ctx is canceled or Stop is called.
func (s *NeoEventSource) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.poll(ctx, sink)
		}
	}
}

func (s *NeoEventSource) poll(ctx context.Context, sink Sink) {
	height, err := s.client.BlockCount(ctx)
	if err != nil {
		if s.log != nil {
			s.log.WithContext(ctx).WithError(err).Warn("chain event source: block count failed")
		}
		return
	}
	if height <= s.confirmations {
		return
	}
	safeHeight := height - s.confirmations

	lastIndex, lastHash := s.loadCursor()
	nextIndex := lastIndex + 1
	if lastIndex == 0 {
		nextIndex = safeHeight // first run: skip history, start at the tip
	}

	for blockIndex := nextIndex; blockIndex <= safeHeight; blockIndex++ {
		block, err := s.client.Block(ctx, blockIndex)
		if err != nil {
			return
		}

		if lastHash != "" && block.PreviousBlockHash != lastHash && blockIndex == lastIndex+1 {
			// Fork detected: the node's view of the parent of this block no
			// longer matches what we last recorded. Rewind one block and
			// let the next tick re-derive the cursor from there.
			lastIndex--
			_ = s.saveCursor(lastIndex, "")
			return
		}

		s.emitBlock(ctx, sink, block, blockIndex)

		lastHash = block.Hash
		if err := s.saveCursor(blockIndex, lastHash); err != nil {
			return
		}
	}
}

func (s *NeoEventSource) emitBlock(ctx context.Context, sink Sink, block *chain.NeoBlock, blockIndex uint64) {
	blockTime := time.Unix(int64(block.Time), 0).UTC()

	txHashes := make([]string, len(block.Tx))
	for i, tx := range block.Tx {
		txHashes[i] = tx.Hash
	}
	_ = sink.Publish(ctx, model.TriggerRecord{
		SourceID:   s.sourceID,
		Offset:     blockIndex,
		Kind:       model.KindBlock,
		OccurredAt: blockTime,
		BlockHash:  block.Hash,
		BlockIndex: blockIndex,
		TxHashes:   txHashes,
	})

	for _, tx := range block.Tx {
		_ = sink.Publish(ctx, model.TriggerRecord{
			SourceID:   s.sourceID,
			Offset:     blockIndex,
			Kind:       model.KindTransaction,
			OccurredAt: blockTime,
			BlockHash:  block.Hash,
			BlockIndex: blockIndex,
			TxHash:     tx.Hash,
			Sender:     tx.Sender,
		})

		appLog, err := s.client.ApplicationLog(ctx, tx.Hash)
		if err != nil {
			continue
		}
		for _, n := range appLog.Notifications() {
			if len(s.contracts) > 0 && !s.contracts[n.Contract] {
				continue
			}
			_ = sink.Publish(ctx, model.TriggerRecord{
				SourceID:   s.sourceID,
				Offset:     blockIndex,
				Kind:       model.KindNotification,
				OccurredAt: blockTime,
				BlockHash:  block.Hash,
				BlockIndex: blockIndex,
				TxHash:     tx.Hash,
				Contract:   n.Contract,
				Event:      n.EventName,
				State:      n.State,
			})
		}
	}
}

// Stop halts Run.
func (s *NeoEventSource) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(buf []byte) uint64 {
	if len(buf) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(buf)
}
