package caea

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	maxBackoffSeconds = 3600
	maxJitterSeconds  = 8 // jitter ∈ [0,7]
)

// computeBackoff returns the outbox worker's next_retry_at offset for the
// given (post-increment) attempts count: 2^attempts·5 seconds for attempts
// 1-8 and a flat 3600 seconds from attempt 9 on, plus 0-7s of jitter
// (spec.md §4.3.4's documented backoff table).
//
// Jitter is derived deterministically from the job's idempotency key and
// attempt number rather than math/rand, following this codebase's
// seeded-hash jitter pattern (see core/pkg/kernel/retry/backoff.go) so
// retries are reproducible in tests without needing a clock/rand seam.
func computeBackoff(idempotencyKey string, attempts int) time.Duration {
	base := backoffSeconds(attempts)
	jitter := deterministicJitterSeconds(idempotencyKey, attempts)
	return time.Duration(base+jitter) * time.Second
}

func backoffSeconds(attempts int) int64 {
	if attempts <= 0 {
		attempts = 1
	}
	// spec.md's boundary behaviour pins attempts>=9 to the 3600s cap
	// directly, rather than letting 2^attempts*5 (2560s at attempts=9)
	// grow into it naturally.
	if attempts >= 9 {
		return maxBackoffSeconds
	}

	seconds := int64(5)
	for i := 0; i < attempts; i++ {
		seconds *= 2
	}
	return seconds
}

func deterministicJitterSeconds(idempotencyKey string, attempts int) int64 {
	seed := fmt.Sprintf("%s:%d", idempotencyKey, attempts)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(maxJitterSeconds))
}
