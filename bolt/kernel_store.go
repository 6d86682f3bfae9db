package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/influxdata/kernelc"
	ierrors "github.com/influxdata/kernelc/kit/platform/errors"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	kernelsBucket = []byte("kernelsv1")
	metaBucket    = []byte("kernelmetav1")
)

// ErrKernelNotFound is returned by Get for an identity that is not stored.
var ErrKernelNotFound = &ierrors.Error{
	Code: ierrors.ENotFound,
	Msg:  "kernel not found",
}

// Selector picks the stored entries to remove before incoming bytes are
// admitted. resident never contains the entry being written.
type Selector func(resident []Meta, incoming int64) []kernelc.KernelIdentity

// Entry is a kernel with the access times it should be stored with.
type Entry struct {
	Kernel     *kernelc.CompiledKernel
	Created    time.Time
	LastAccess time.Time
}

// KernelStore is the on-disk tier of the kernel cache, keyed by kernel
// identity and backed by boltdb.
type KernelStore struct {
	path   string
	db     *bolt.DB
	logger *zap.Logger
}

// NewKernelStore returns an instance of KernelStore with the file at
// the provided path.
func NewKernelStore(path string) *KernelStore {
	return &KernelStore{
		path:   path,
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the store.
func (s *KernelStore) WithLogger(l *zap.Logger) {
	s.logger = l
}

// Path returns the location of the database file.
func (s *KernelStore) Path() string {
	return s.path
}

// Open creates the boltdb file if it doesn't exist and opens it otherwise.
func (s *KernelStore) Open(ctx context.Context) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "KernelStore.Open")
	defer span.Finish()

	// Ensure the required directory structure exists.
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("unable to create directory %s: %v", s.path, err)
	}

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("unable to open boltdb file %v", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(kernelsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		db.Close()
		return fmt.Errorf("unable to initialize boltdb buckets: %v", err)
	}
	s.db = db

	s.logger.Info("Kernel store opened", zap.String("path", s.path))
	return nil
}

// Close the connection to the bolt database.
func (s *KernelStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the kernel stored under id and records the access. A record
// that fails to decode is reported with ErrCorrupt and left in place; the
// caller decides whether to delete it.
func (s *KernelStore) Get(ctx context.Context, id kernelc.KernelIdentity, now time.Time) (*kernelc.CompiledKernel, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "KernelStore.Get")
	defer span.Finish()

	var rec []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		v := tx.Bucket(kernelsBucket).Get(id[:])
		if v == nil {
			return ErrKernelNotFound
		}
		// bolt memory is only valid for the life of the transaction.
		rec = append([]byte(nil), v...)

		mb := tx.Bucket(metaBucket)
		m, err := decodeMeta(id, mb.Get(id[:]))
		if err != nil {
			m = Meta{ID: id, Created: now}
		}
		m.LastAccess = now
		return mb.Put(id[:], encodeMeta(m))
	})
	if err != nil {
		return nil, err
	}

	return decodeRecord(id, rec)
}

// Put stores k, first removing the entries chosen by sel. It returns the
// identities removed.
func (s *KernelStore) Put(ctx context.Context, k *kernelc.CompiledKernel, now time.Time, sel Selector) ([]kernelc.KernelIdentity, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "KernelStore.Put")
	defer span.Finish()

	rec, err := encodeRecord(k)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding kernel %s", k.ID)
	}

	var victims []kernelc.KernelIdentity
	err = s.db.Update(func(tx *bolt.Tx) error {
		kb, mb := tx.Bucket(kernelsBucket), tx.Bucket(metaBucket)

		created := now
		var resident []Meta
		if err := forEachMeta(mb, func(m Meta) error {
			if m.ID == k.ID {
				created = m.Created
				return nil
			}
			resident = append(resident, m)
			return nil
		}); err != nil {
			return err
		}

		if sel != nil {
			victims = sel(resident, k.Size())
		}
		if err := deleteAll(kb, mb, victims); err != nil {
			return err
		}

		if err := kb.Put(k.ID[:], rec); err != nil {
			return err
		}
		return mb.Put(k.ID[:], encodeMeta(Meta{
			ID:         k.ID,
			Size:       k.Size(),
			Created:    created,
			LastAccess: now,
		}))
	})
	if err != nil {
		return nil, err
	}
	return victims, nil
}

// Merge writes every entry in a single transaction. An entry overwrites a
// stored kernel with the same identity; kernels only present on disk are
// kept unless sel chooses them. Each entry is admitted like Put: the
// entries sel picks are removed before it is written. It returns the
// identities removed.
func (s *KernelStore) Merge(ctx context.Context, entries []Entry, sel Selector) ([]kernelc.KernelIdentity, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "KernelStore.Merge")
	defer span.Finish()

	recs := make([][]byte, len(entries))
	for i, e := range entries {
		rec, err := encodeRecord(e.Kernel)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding kernel %s", e.Kernel.ID)
		}
		recs[i] = rec
	}

	var victims []kernelc.KernelIdentity
	err := s.db.Update(func(tx *bolt.Tx) error {
		kb, mb := tx.Bucket(kernelsBucket), tx.Bucket(metaBucket)

		stored := make(map[kernelc.KernelIdentity]Meta)
		if err := forEachMeta(mb, func(m Meta) error {
			stored[m.ID] = m
			return nil
		}); err != nil {
			return err
		}

		for i, e := range entries {
			id := e.Kernel.ID
			m := Meta{
				ID:         id,
				Size:       e.Kernel.Size(),
				Created:    e.Created,
				LastAccess: e.LastAccess,
			}
			if old, ok := stored[id]; ok {
				if old.Created.Before(m.Created) {
					m.Created = old.Created
				}
				if old.LastAccess.After(m.LastAccess) {
					m.LastAccess = old.LastAccess
				}
				delete(stored, id)
			}

			if sel != nil {
				resident := make([]Meta, 0, len(stored))
				for _, r := range stored {
					resident = append(resident, r)
				}
				evict := sel(resident, m.Size)
				if err := deleteAll(kb, mb, evict); err != nil {
					return err
				}
				for _, v := range evict {
					delete(stored, v)
				}
				victims = append(victims, evict...)
			}

			if err := kb.Put(id[:], recs[i]); err != nil {
				return err
			}
			if err := mb.Put(id[:], encodeMeta(m)); err != nil {
				return err
			}
			stored[id] = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return victims, nil
}

// Clean removes the entries chosen by sel with nothing incoming.
func (s *KernelStore) Clean(ctx context.Context, sel Selector) ([]kernelc.KernelIdentity, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "KernelStore.Clean")
	defer span.Finish()

	var victims []kernelc.KernelIdentity
	err := s.db.Update(func(tx *bolt.Tx) error {
		kb, mb := tx.Bucket(kernelsBucket), tx.Bucket(metaBucket)

		var resident []Meta
		if err := forEachMeta(mb, func(m Meta) error {
			resident = append(resident, m)
			return nil
		}); err != nil {
			return err
		}

		victims = sel(resident, 0)
		return deleteAll(kb, mb, victims)
	})
	if err != nil {
		return nil, err
	}
	return victims, nil
}

// Delete removes the kernels stored under ids.
func (s *KernelStore) Delete(ctx context.Context, ids ...kernelc.KernelIdentity) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "KernelStore.Delete")
	defer span.Finish()

	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteAll(tx.Bucket(kernelsBucket), tx.Bucket(metaBucket), ids)
	})
}

// Entries returns the metadata of every stored kernel in identity order.
func (s *KernelStore) Entries(ctx context.Context) ([]Meta, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "KernelStore.Entries")
	defer span.Finish()

	var res []Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachMeta(tx.Bucket(metaBucket), func(m Meta) error {
			res = append(res, m)
			return nil
		})
	})
	return res, err
}

// forEachMeta calls fn for every decodable metadata record. Undecodable
// records are skipped; their kernels are still found by Get.
func forEachMeta(mb *bolt.Bucket, fn func(Meta) error) error {
	return mb.ForEach(func(k, v []byte) error {
		var id kernelc.KernelIdentity
		if len(k) != len(id) {
			return nil
		}
		copy(id[:], k)
		m, err := decodeMeta(id, v)
		if err != nil {
			return nil
		}
		return fn(m)
	})
}

func deleteAll(kb, mb *bolt.Bucket, ids []kernelc.KernelIdentity) error {
	for _, id := range ids {
		if err := kb.Delete(id[:]); err != nil {
			return err
		}
		if err := mb.Delete(id[:]); err != nil {
			return err
		}
	}
	return nil
}
