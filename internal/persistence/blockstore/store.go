// Package blockstore keeps the authoritative blocks in a bolt file. Keys are
// chunk x,z followed by block x,y,z so one chunk is a contiguous key range.
package blockstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/boltdb/bolt"

	"voxelsync.ai/internal/protocol"
)

const ChunkWidth = 32

var (
	blockBucket = []byte("block")
	metaBucket  = []byte("meta")
	keyVersion  = []byte("version")
)

const keySize = 4 * 5

type Store struct {
	db *bolt.DB
}

// Open creates the file and buckets if needed. Writes are not fsynced one by
// one; Close syncs.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blockBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if meta.Get(keyVersion) == nil {
			return meta.Put(keyVersion, []byte("1"))
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	db.NoSync = true
	return &Store{db: db}, nil
}

// Put stores b. A tombstone deletes the coordinate.
func (s *Store) Put(b protocol.Block) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(blockBucket)
		key := encodeKey(b.X, b.Y, b.Z)
		if b.IsRemoval() {
			return bkt.Delete(key)
		}
		return bkt.Put(key, encodeValue(b.Type))
	})
}

// PutAll applies edits in order inside one transaction.
func (s *Store) PutAll(blocks []protocol.Block) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(blockBucket)
		for _, b := range blocks {
			key := encodeKey(b.X, b.Y, b.Z)
			var err error
			if b.IsRemoval() {
				err = bkt.Delete(key)
			} else {
				err = bkt.Put(key, encodeValue(b.Type))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Get(x, y, z int32) (protocol.Block, bool, error) {
	var (
		out   protocol.Block
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blockBucket).Get(encodeKey(x, y, z))
		if v == nil {
			return nil
		}
		t, err := decodeValue(v)
		if err != nil {
			return err
		}
		out, found = protocol.Block{X: x, Y: y, Z: z, Type: t}, true
		return nil
	})
	return out, found, err
}

// RangeChunk calls f for every block in chunk (cx, cz).
func (s *Store) RangeChunk(cx, cz int32, f func(protocol.Block)) error {
	prefix := chunkPrefix(cx, cz)
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(blockBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			b, err := decode(k, v)
			if err != nil {
				return err
			}
			f(b)
		}
		return nil
	})
}

// All returns every stored block.
func (s *Store) All() ([]protocol.Block, error) {
	var out []protocol.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(blockBucket).ForEach(func(k, v []byte) error {
			b, err := decode(k, v)
			if err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(blockBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *Store) Close() error {
	_ = s.db.Sync()
	return s.db.Close()
}

// ChunkOf returns the chunk column holding block (x, z).
func ChunkOf(x, z int32) (int32, int32) {
	return int32(math.Floor(float64(x) / ChunkWidth)), int32(math.Floor(float64(z) / ChunkWidth))
}

func chunkPrefix(cx, cz int32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(cx))
	binary.LittleEndian.PutUint32(buf[4:], uint32(cz))
	return buf
}

func encodeKey(x, y, z int32) []byte {
	cx, cz := ChunkOf(x, z)
	buf := make([]byte, 0, keySize)
	buf = append(buf, chunkPrefix(cx, cz)...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(x))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(y))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(z))
	return buf
}

func decode(k, v []byte) (protocol.Block, error) {
	if len(k) != keySize {
		return protocol.Block{}, fmt.Errorf("blockstore: bad key length %d", len(k))
	}
	b := protocol.Block{
		X: int32(binary.LittleEndian.Uint32(k[8:])),
		Y: int32(binary.LittleEndian.Uint32(k[12:])),
		Z: int32(binary.LittleEndian.Uint32(k[16:])),
	}
	cx, cz := ChunkOf(b.X, b.Z)
	if !bytes.Equal(k[:8], chunkPrefix(cx, cz)) {
		return protocol.Block{}, fmt.Errorf("blockstore: key chunk does not match block %d,%d,%d", b.X, b.Y, b.Z)
	}
	t, err := decodeValue(v)
	if err != nil {
		return protocol.Block{}, err
	}
	b.Type = t
	return b, nil
}

func encodeValue(t int32) []byte {
	v := make([]byte, 4)
	binary.LittleEndian.PutUint32(v, uint32(t))
	return v
}

func decodeValue(v []byte) (int32, error) {
	if len(v) != 4 {
		return 0, fmt.Errorf("blockstore: bad value length %d", len(v))
	}
	return int32(binary.LittleEndian.Uint32(v)), nil
}
