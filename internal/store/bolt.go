package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltDriver keeps one bucket per collection. Keys are the bucket sequence in big-endian
// form, so a cursor walk yields insertion order.
type BoltDriver struct {
	db *bolt.DB
}

var _ Driver = (*BoltDriver)(nil)

// OpenBolt opens (or creates) the bolt file at path.
func OpenBolt(path string) (*BoltDriver, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return &BoltDriver{db: db}, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func put(b *bolt.Bucket, key []byte, doc Doc) error {
	enc, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return b.Put(key, enc)
}

func putNew(b *bolt.Bucket, doc Doc) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	return put(b, seqKey(seq), doc)
}

// scan walks b in key order and calls fn for each matching document until fn returns false.
func scan(b *bolt.Bucket, filter Filter, fn func(key []byte, doc Doc) bool) error {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var doc Doc
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("decode key %x: %w", k, err)
		}
		if !matches(doc, filter) {
			continue
		}
		if !fn(k, doc) {
			return nil
		}
	}
	return nil
}

// Find returns matching documents in insertion order.
func (d *BoltDriver) Find(ctx context.Context, collection string, filter Filter, limit int) ([]Doc, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Doc
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return scan(b, filter, func(_ []byte, doc Doc) bool {
			out = append(out, doc)
			return limit <= 0 || len(out) < limit
		})
	})
	return out, err
}

// Insert adds doc, which must carry an id.
func (d *BoltDriver) Insert(ctx context.Context, collection string, doc Doc) (string, error) {
	if err := checkCollection(collection); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, _ := doc[IDField].(string)
	err := d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		return putNew(b, doc)
	})
	if err != nil {
		return "", fmt.Errorf("insert into %s: %w", collection, err)
	}
	return id, nil
}

// Upsert runs the match-merge-write cycle inside one bolt write transaction.
func (d *BoltDriver) Upsert(ctx context.Context, collection string, filter Filter, set Doc) (UpsertResult, error) {
	if err := checkCollection(collection); err != nil {
		return UpsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}
	var res UpsertResult
	err := d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}

		var key []byte
		var candidates []Doc
		if err := scan(b, filter, func(k []byte, doc Doc) bool {
			key = append([]byte(nil), k...)
			candidates = append(candidates, doc)
			return false
		}); err != nil {
			return err
		}

		var doc Doc
		doc, res = upsertDocs(candidates, filter, set)
		switch {
		case doc == nil:
			return nil
		case res.InsertedID != "":
			return putNew(b, doc)
		default:
			return put(b, key, doc)
		}
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert into %s: %w", collection, err)
	}
	return res, nil
}

// Close closes the bolt file.
func (d *BoltDriver) Close() error {
	return d.db.Close()
}
