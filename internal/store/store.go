// Package store persists encrypted frame chains, anchor journals and court reports in
// BadgerDB. Frame records are compressed and split into Reed-Solomon shards so that a
// damaged shard is rebuilt from parity on read.
package store

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-evidence/internal/codec"
	"github.com/i5heu/ouroboros-evidence/internal/frame"
	"github.com/i5heu/ouroboros-evidence/internal/ledger"
	"github.com/i5heu/ouroboros-evidence/internal/verifier"
	"github.com/i5heu/ouroboros-evidence/pkg/spaceInformations"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrFrameExists       = errors.New("store: frame already stored")
	ErrInvalidChainID    = errors.New("store: invalid chain id")
	ErrInsufficientSpace = errors.New("store: insufficient free space")
)

const (
	DefaultDataShards   = 4
	DefaultParityShards = 2
)

type Options struct {
	Path             string
	DataShards       uint8
	ParityShards     uint8
	MinimumFreeSpace int // GB
	// InMemory runs badger without touching disk. Path is ignored.
	InMemory bool
	Logger   *logrus.Entry
}

type Store struct {
	db   *badger.DB
	opts Options
	log  *logrus.Entry

	readCounter  uint64
	writeCounter uint64
}

// frameMeta is stored next to the shards of one frame.
type frameMeta struct {
	Sequence    uint64 `cbor:"1,keyasint"`
	ContentHash string `cbor:"2,keyasint"`
	Timestamp   int64  `cbor:"3,keyasint"`
	Shards      uint8  `cbor:"4,keyasint"`
	RecordSize  uint64 `cbor:"5,keyasint"`
	StoredSize  uint64 `cbor:"6,keyasint"`
}

var _ ledger.Journal = (*Store)(nil)

var reportEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: failed to build report encoder: %v", err))
	}
	return em
}()

func Open(opts Options) (*Store, error) {
	if opts.DataShards == 0 {
		opts.DataShards = DefaultDataShards
	}
	if opts.ParityShards == 0 {
		opts.ParityShards = DefaultParityShards
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	log := opts.Logger.WithField("component", "store")

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("store path is required")
		}
		ok, free, err := spaceInformations.HasFreeSpace(opts.Path, opts.MinimumFreeSpace)
		if err != nil {
			return nil, fmt.Errorf("failed to check free space: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %.2f GB free, %d GB required", ErrInsufficientSpace, free, opts.MinimumFreeSpace)
		}
		bopts = badger.DefaultOptions(opts.Path)
		bopts.ValueLogFileSize = 1024 * 1024 * 100
		bopts.SyncWrites = true
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", opts.Path, err)
	}

	log.WithFields(logrus.Fields{
		"path":          opts.Path,
		"data_shards":   opts.DataShards,
		"parity_shards": opts.ParityShards,
	}).Debug("Opened evidence store")

	return &Store{db: db, opts: opts, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveFrame appends ef to chain. Stored frames are never overwritten.
func (s *Store) SaveFrame(chain string, ef frame.EncryptedFrame) error {
	if err := checkChainID(chain); err != nil {
		return err
	}
	atomic.AddUint64(&s.writeCounter, 1)

	record, err := frame.MarshalRecord(ef)
	if err != nil {
		return err
	}
	compressed, err := codec.CompressWithZstd(record)
	if err != nil {
		return fmt.Errorf("failed to compress record %d: %w", ef.Sequence, err)
	}
	shards, err := codec.SplitReedSolomon(compressed, s.opts.DataShards, s.opts.ParityShards)
	if err != nil {
		return fmt.Errorf("failed to shard record %d: %w", ef.Sequence, err)
	}

	meta := frameMeta{
		Sequence:    ef.Sequence,
		ContentHash: ef.ContentHash,
		Timestamp:   ef.Timestamp,
		Shards:      uint8(len(shards)),
		RecordSize:  uint64(len(record)),
	}
	encodedShards := make([][]byte, len(shards))
	for i, shard := range shards {
		encodedShards[i], err = cbor.Marshal(shard)
		if err != nil {
			return fmt.Errorf("failed to encode shard %d of record %d: %w", i, ef.Sequence, err)
		}
		meta.StoredSize += uint64(len(encodedShards[i]))
	}
	metaBytes, err := cbor.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata of record %d: %w", ef.Sequence, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(frameKey(chain, ef.Sequence)); err == nil {
			return fmt.Errorf("%w: %s/%d", ErrFrameExists, chain, ef.Sequence)
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(frameKey(chain, ef.Sequence), metaBytes); err != nil {
			return err
		}
		for i, shard := range shards {
			if err := txn.Set(shardKey(chain, ef.Sequence, shard.Index), encodedShards[i]); err != nil {
				return err
			}
		}

		head, found, err := getSequenceTxn(txn, headKey(chain))
		if err != nil {
			return err
		}
		if !found || ef.Sequence > head {
			return txn.Set(headKey(chain), encodeSequence(ef.Sequence))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store frame %s/%d: %w", chain, ef.Sequence, err)
	}
	return nil
}

func (s *Store) LoadFrame(chain string, seq uint64) (frame.EncryptedFrame, error) {
	if err := checkChainID(chain); err != nil {
		return frame.EncryptedFrame{}, err
	}
	atomic.AddUint64(&s.readCounter, 1)

	var ef frame.EncryptedFrame
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(frameKey(chain, seq)); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: frame %s/%d", ErrNotFound, chain, seq)
		} else if err != nil {
			return err
		}
		var err error
		ef, err = s.loadFrameTxn(txn, chain, seq)
		return err
	})
	return ef, err
}

// LoadChain returns every frame of chain in sequence order.
func (s *Store) LoadChain(chain string) ([]frame.EncryptedFrame, error) {
	if err := checkChainID(chain); err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.readCounter, 1)

	var frames []frame.EncryptedFrame
	err := s.db.View(func(txn *badger.Txn) error {
		metas, err := listMetasTxn(txn, chain)
		if err != nil {
			return err
		}
		frames = make([]frame.EncryptedFrame, 0, len(metas))
		for _, m := range metas {
			ef, err := s.loadFrameTxn(txn, chain, m.Sequence)
			if err != nil {
				return err
			}
			frames = append(frames, ef)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load chain %s: %w", chain, err)
	}
	return frames, nil
}

// LastFrame returns the frame with the highest sequence of chain.
func (s *Store) LastFrame(chain string) (frame.EncryptedFrame, bool, error) {
	if err := checkChainID(chain); err != nil {
		return frame.EncryptedFrame{}, false, err
	}

	var (
		ef    frame.EncryptedFrame
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		head, ok, err := getSequenceTxn(txn, headKey(chain))
		if err != nil || !ok {
			return err
		}
		ef, err = s.loadFrameTxn(txn, chain, head)
		found = err == nil
		return err
	})
	if err != nil {
		return frame.EncryptedFrame{}, false, fmt.Errorf("failed to load head of chain %s: %w", chain, err)
	}
	return ef, found, nil
}

func (s *Store) loadFrameTxn(txn *badger.Txn, chain string, seq uint64) (frame.EncryptedFrame, error) {
	prefix := shardPrefix(chain, seq)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var shards []codec.Shard
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var shard codec.Shard
		err := it.Item().Value(func(val []byte) error {
			return cbor.Unmarshal(val, &shard)
		})
		if err != nil {
			s.log.WithError(err).WithField("key", string(it.Item().Key())).Warn("Skipping undecodable shard")
			continue
		}
		shards = append(shards, shard)
	}
	if len(shards) == 0 {
		return frame.EncryptedFrame{}, fmt.Errorf("%w: no shards for %s/%d", ErrNotFound, chain, seq)
	}

	compressed, err := codec.ReconstructReedSolomon(shards)
	if err != nil {
		return frame.EncryptedFrame{}, fmt.Errorf("failed to reconstruct %s/%d: %w", chain, seq, err)
	}
	record, err := codec.DecompressWithZstd(compressed)
	if err != nil {
		return frame.EncryptedFrame{}, fmt.Errorf("failed to decompress %s/%d: %w", chain, seq, err)
	}
	return frame.UnmarshalRecord(record)
}

// SaveReport persists a verification result under its evidence id.
func (s *Store) SaveReport(res verifier.Result) error {
	id := res.Report.EvidenceID
	if id == "" {
		return fmt.Errorf("report has no evidence id")
	}
	atomic.AddUint64(&s.writeCounter, 1)

	data, err := reportEncMode.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode report %s: %w", id, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(reportKey(id), data)
	})
}

func (s *Store) LoadReport(evidenceID string) (verifier.Result, error) {
	atomic.AddUint64(&s.readCounter, 1)

	var res verifier.Result
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(reportKey(evidenceID))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: report %s", ErrNotFound, evidenceID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &res)
		})
	})
	return res, err
}

// SaveAnchor implements ledger.Journal.
func (s *Store) SaveAnchor(rec ledger.AnchorRecord) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode anchor %s: %w", rec.Ref.TransactionRef, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(anchorKey(rec.Ref.LedgerID, rec.Ref.TransactionRef), data)
	})
}

// LoadAnchors implements ledger.Journal.
func (s *Store) LoadAnchors(ledgerID string) ([]ledger.AnchorRecord, error) {
	var recs []ledger.AnchorRecord
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := anchorPrefix(ledgerID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec ledger.AnchorRecord
			if err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("failed to decode anchor %s: %w", it.Item().Key(), err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// SwapCounters returns and resets the read and write operation counters.
func (s *Store) SwapCounters() (reads, writes uint64) {
	return atomic.SwapUint64(&s.readCounter, 0), atomic.SwapUint64(&s.writeCounter, 0)
}

func getSequenceTxn(txn *badger.Txn, key []byte) (uint64, bool, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	var seq uint64
	err = item.Value(func(val []byte) error {
		seq = decodeSequence(val)
		return nil
	})
	return seq, err == nil, err
}

func listMetasTxn(txn *badger.Txn, chain string) ([]frameMeta, error) {
	prefix := framePrefix(chain)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var metas []frameMeta
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var m frameMeta
		if err := it.Item().Value(func(val []byte) error {
			return cbor.Unmarshal(val, &m)
		}); err != nil {
			return nil, fmt.Errorf("failed to decode metadata %s: %w", it.Item().Key(), err)
		}
		metas = append(metas, m)
	}
	return metas, nil
}
