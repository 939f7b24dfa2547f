package store

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// ChainStats summarises one stored chain without reconstructing its frames.
type ChainStats struct {
	ChainID        string
	Frames         int
	FirstSequence  uint64
	LastSequence   uint64
	FirstTimestamp int64
	LastTimestamp  int64
	HeadHash       string
	RecordBytes    uint64 // encoded records before compression and sharding
	StoredBytes    uint64 // shard bytes on disk
	Shards         int
	DataShards     uint8
	ParityShards   uint8
}

// Chains lists the ids of all chains that hold at least one frame.
func (s *Store) Chains() ([]string, error) {
	var chains []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(HEAD_PREFIX)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			chains = append(chains, string(bytes.TrimPrefix(it.Item().Key(), prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	sort.Strings(chains)
	return chains, nil
}

func (s *Store) Stats(chain string) (ChainStats, error) {
	if err := checkChainID(chain); err != nil {
		return ChainStats{}, err
	}

	stats := ChainStats{
		ChainID:      chain,
		DataShards:   s.opts.DataShards,
		ParityShards: s.opts.ParityShards,
	}
	err := s.db.View(func(txn *badger.Txn) error {
		metas, err := listMetasTxn(txn, chain)
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			return fmt.Errorf("%w: chain %s", ErrNotFound, chain)
		}

		first, last := metas[0], metas[len(metas)-1]
		stats.Frames = len(metas)
		stats.FirstSequence, stats.LastSequence = first.Sequence, last.Sequence
		stats.FirstTimestamp, stats.LastTimestamp = first.Timestamp, last.Timestamp
		stats.HeadHash = last.ContentHash
		for _, m := range metas {
			stats.RecordBytes += m.RecordSize
			stats.StoredBytes += m.StoredSize
			stats.Shards += int(m.Shards)
		}
		return nil
	})
	return stats, err
}
