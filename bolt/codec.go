package bolt

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/influxdata/kernelc"
)

const (
	recordVersion    = 1
	recordHeaderSize = 1 + 8 // version + xxhash of the compressed payload
	metaSize         = 3 * 8
)

// ErrCorrupt is returned when a stored record cannot be decoded. The
// record should be discarded.
var ErrCorrupt = errors.New("corrupt kernel record")

// encodeRecord frames a kernel as version | checksum | snappy(json).
func encodeRecord(k *kernelc.CompiledKernel) ([]byte, error) {
	js, err := json.Marshal(k)
	if err != nil {
		return nil, err
	}
	compressed := snappy.Encode(nil, js)

	b := make([]byte, recordHeaderSize+len(compressed))
	b[0] = recordVersion
	binary.BigEndian.PutUint64(b[1:9], xxhash.Sum64(compressed))
	copy(b[recordHeaderSize:], compressed)
	return b, nil
}

// decodeRecord reverses encodeRecord, verifying the checksum and that the
// record is stored under its own identity.
func decodeRecord(id kernelc.KernelIdentity, b []byte) (*kernelc.CompiledKernel, error) {
	if len(b) < recordHeaderSize {
		return nil, fmt.Errorf("%w: short record of %d bytes", ErrCorrupt, len(b))
	}
	if b[0] != recordVersion {
		return nil, fmt.Errorf("%w: unknown record version %d", ErrCorrupt, b[0])
	}
	payload := b[recordHeaderSize:]
	if sum := binary.BigEndian.Uint64(b[1:9]); sum != xxhash.Sum64(payload) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	js, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	k := new(kernelc.CompiledKernel)
	if err := json.Unmarshal(js, k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if k.ID != id {
		return nil, fmt.Errorf("%w: record for %s stored under %s", ErrCorrupt, k.ID, id)
	}
	return k, nil
}

// Meta is the bookkeeping kept for every stored kernel.
type Meta struct {
	ID         kernelc.KernelIdentity
	Size       int64
	Created    time.Time
	LastAccess time.Time
}

func encodeMeta(m Meta) []byte {
	b := make([]byte, metaSize)
	binary.BigEndian.PutUint64(b[0:8], uint64(m.Size))
	binary.BigEndian.PutUint64(b[8:16], uint64(m.Created.UnixNano()))
	binary.BigEndian.PutUint64(b[16:24], uint64(m.LastAccess.UnixNano()))
	return b
}

func decodeMeta(id kernelc.KernelIdentity, b []byte) (Meta, error) {
	if len(b) != metaSize {
		return Meta{}, fmt.Errorf("%w: metadata of %d bytes", ErrCorrupt, len(b))
	}
	return Meta{
		ID:         id,
		Size:       int64(binary.BigEndian.Uint64(b[0:8])),
		Created:    time.Unix(0, int64(binary.BigEndian.Uint64(b[8:16]))).UTC(),
		LastAccess: time.Unix(0, int64(binary.BigEndian.Uint64(b[16:24]))).UTC(),
	}, nil
}
