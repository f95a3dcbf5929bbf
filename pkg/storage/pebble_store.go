package storage

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/pebble"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
)

// ErrKeyNotFound is returned by PebbleStore for missing stable keys.
var ErrKeyNotFound = errors.New("not found")

const (
	prefixLog    byte = 'l'
	prefixStable byte = 's'
)

// PebbleStore implements raft.LogStore and raft.StableStore on pebble. Log
// keys are the prefix byte followed by the big-endian index so iteration
// order is index order.
type PebbleStore struct {
	db *pebble.DB
	wo *pebble.WriteOptions
}

var (
	_ raft.LogStore    = (*PebbleStore)(nil)
	_ raft.StableStore = (*PebbleStore)(nil)
)

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "storage: open pebble")
	}
	return &PebbleStore{db: db, wo: pebble.Sync}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func logKey(index uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixLog
	binary.BigEndian.PutUint64(k[1:], index)
	return k
}

func stableKey(key []byte) []byte {
	return append([]byte{prefixStable}, key...)
}

func (p *PebbleStore) logIter() *pebble.Iterator {
	return p.db.NewIter(&pebble.IterOptions{
		LowerBound: logKey(0),
		UpperBound: []byte{prefixLog + 1},
	})
}

func (p *PebbleStore) FirstIndex() (uint64, error) {
	iter := p.logIter()
	defer iter.Close()
	if !iter.First() {
		return 0, iter.Error()
	}
	return binary.BigEndian.Uint64(iter.Key()[1:]), nil
}

func (p *PebbleStore) LastIndex() (uint64, error) {
	iter := p.logIter()
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return binary.BigEndian.Uint64(iter.Key()[1:]), nil
}

func (p *PebbleStore) GetLog(index uint64, log *raft.Log) error {
	val, closer, err := p.db.Get(logKey(index))
	if err != nil {
		if err == pebble.ErrNotFound {
			return raft.ErrLogNotFound
		}
		return err
	}
	defer closer.Close()
	return codec.NewDecoderBytes(val, &codec.MsgpackHandle{}).Decode(log)
}

func (p *PebbleStore) StoreLog(log *raft.Log) error {
	return p.StoreLogs([]*raft.Log{log})
}

func (p *PebbleStore) StoreLogs(logs []*raft.Log) error {
	batch := p.db.NewBatch()
	defer batch.Close()
	for _, l := range logs {
		var val []byte
		if err := codec.NewEncoderBytes(&val, &codec.MsgpackHandle{}).Encode(l); err != nil {
			return err
		}
		if err := batch.Set(logKey(l.Index), val, nil); err != nil {
			return err
		}
	}
	return batch.Commit(p.wo)
}

// DeleteRange removes logs in [min, max].
func (p *PebbleStore) DeleteRange(min, max uint64) error {
	end := []byte{prefixLog + 1}
	if max < math.MaxUint64 {
		end = logKey(max + 1)
	}
	return p.db.DeleteRange(logKey(min), end, p.wo)
}

func (p *PebbleStore) Set(key []byte, val []byte) error {
	return p.db.Set(stableKey(key), val, p.wo)
}

func (p *PebbleStore) Get(key []byte) ([]byte, error) {
	val, closer, err := p.db.Get(stableKey(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (p *PebbleStore) SetUint64(key []byte, val uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, val)
	return p.Set(key, b)
}

func (p *PebbleStore) GetUint64(key []byte) (uint64, error) {
	b, err := p.Get(key)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, errors.Errorf("storage: key %q holds %d bytes, want 8", key, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
