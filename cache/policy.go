package cache

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/google/btree"
	"github.com/influxdata/kernelc"
	"github.com/influxdata/kernelc/bolt"
)

// CleanPolicy decides which disk entries are removed first when the disk
// tier outgrows its size cap.
type CleanPolicy int

const (
	// CleanNever disables cleaning; the size cap is not enforced.
	CleanNever CleanPolicy = iota
	// CleanLRU removes the least recently used entries first.
	CleanLRU
	// CleanFIFO removes the oldest entries first.
	CleanFIFO
	// CleanSize removes the largest entries first.
	CleanSize
)

var policyNames = [...]string{
	CleanNever: "never",
	CleanLRU:   "lru",
	CleanFIFO:  "fifo",
	CleanSize:  "size",
}

func (p CleanPolicy) String() string {
	if p >= 0 && int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("CleanPolicy(%d)", int(p))
}

// ParseCleanPolicy parses a policy name. Matching is case insensitive.
func ParseCleanPolicy(s string) (CleanPolicy, error) {
	for i, name := range policyNames {
		if strings.EqualFold(name, s) {
			return CleanPolicy(i), nil
		}
	}
	return CleanNever, fmt.Errorf("unknown cleaning policy %q", s)
}

// MarshalText encodes the policy by name.
func (p CleanPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a policy name.
func (p *CleanPolicy) UnmarshalText(b []byte) error {
	v, err := ParseCleanPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p CleanPolicy) less() btree.LessFunc[bolt.Meta] {
	var primary func(a, b bolt.Meta) int
	switch p {
	case CleanLRU:
		primary = func(a, b bolt.Meta) int { return a.LastAccess.Compare(b.LastAccess) }
	case CleanFIFO:
		primary = func(a, b bolt.Meta) int { return a.Created.Compare(b.Created) }
	case CleanSize:
		primary = func(a, b bolt.Meta) int {
			switch {
			case a.Size > b.Size:
				return -1
			case a.Size < b.Size:
				return 1
			}
			return 0
		}
	default:
		primary = func(a, b bolt.Meta) int { return 0 }
	}
	return func(a, b bolt.Meta) bool {
		if c := primary(a, b); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	}
}

// SelectVictims returns the entries of resident to remove before incoming
// bytes are admitted under a cap of max bytes. Nothing is removed unless the
// resident total plus incoming exceeds max. Otherwise entries are taken in
// policy order until at least factor*max bytes are removed and the
// remaining total plus incoming fits, stopping at the first entry at which
// both hold.
func SelectVictims(policy CleanPolicy, resident []bolt.Meta, incoming, max int64, factor float64) []kernelc.KernelIdentity {
	if policy == CleanNever || max <= 0 {
		return nil
	}

	var total int64
	for _, m := range resident {
		total += m.Size
	}
	if total+incoming <= max {
		return nil
	}

	goal := int64(math.Ceil(factor * float64(max)))
	order := btree.NewG(8, policy.less())
	for _, m := range resident {
		order.ReplaceOrInsert(m)
	}

	var (
		removed int64
		victims []kernelc.KernelIdentity
	)
	order.Ascend(func(m bolt.Meta) bool {
		victims = append(victims, m.ID)
		removed += m.Size
		return removed < goal || total-removed+incoming > max
	})
	return victims
}

// NewSelector returns a disk store selector applying SelectVictims with the
// given policy, cap and cleaning factor.
func NewSelector(policy CleanPolicy, max int64, factor float64) bolt.Selector {
	return func(resident []bolt.Meta, incoming int64) []kernelc.KernelIdentity {
		return SelectVictims(policy, resident, incoming, max, factor)
	}
}
