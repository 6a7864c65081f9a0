package taskengine

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// idCounter is the process-wide monotonic source for WorkItem.id, the
// internal busy_hash/registry key. Using a counter instead of hashing the
// pointer keeps the hash key stable across moves and lets tests assert on
// ordering without relying on allocator behavior.
var idCounter atomic.Uint64

func nextInternalID() uint64 {
	return idCounter.Add(1)
}

func newExternalID() string {
	return uuid.New().String()
}

// fingerprint canonicalizes PoolAttrs into a stable byte string and hashes
// it with blake2b, matching spec.md §3's "keyed by a hash of attrs" for
// unbound pool lookup.
func fingerprint(attrs PoolAttrs) string {
	mask := append([]int(nil), attrs.CPUMask...)
	sort.Ints(mask)
	buf := fmt.Sprintf("nice=%d|scope=%s|strict=%t|mask=%v|highpri=%t|cpuintensive=%t",
		attrs.Nice, attrs.AffinityScope, attrs.StrictAffinity, mask, attrs.HighPri, attrs.CPUIntensive)
	sum := blake2b.Sum256([]byte(buf))
	return fmt.Sprintf("%x", sum[:16])
}
