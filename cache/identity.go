package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/influxdata/kernelc"
)

const identityVersion = "kernelc/identity/v1"

// Identity fingerprints k against the compiled layouts it references. The
// kernel name does not contribute; two kernels with the same IR compiled
// against the same layouts are interchangeable. The order of layouts does
// not matter.
func Identity(k *kernelc.Kernel, layouts []*kernelc.CompiledLayout) kernelc.KernelIdentity {
	sorted := append([]*kernelc.CompiledLayout(nil), layouts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tree < sorted[j].Tree })

	h := sha256.New()
	h.Write([]byte(identityVersion))

	var b [binary.MaxVarintLen64]byte
	h.Write(b[:binary.PutUvarint(b[:], uint64(len(k.IR)))])
	h.Write(k.IR)

	h.Write(b[:binary.PutUvarint(b[:], uint64(len(sorted)))])
	for _, l := range sorted {
		h.Write(b[:binary.PutVarint(b[:], int64(l.Tree))])
		h.Write([]byte(l.Digest))
	}

	var id kernelc.KernelIdentity
	copy(id[:], h.Sum(nil))
	return id
}
