package common

import (
	"errors"
	"math"
	"sync"
	"time"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// Usage captures the counters of one actor within an epoch.
type Usage struct {
	Requests uint32
	EpochID  uint64
}

// Quota bounds how many mutations an actor may submit per epoch. Zero values
// disable the corresponding limit.
type Quota struct {
	MaxRequests  uint32 `yaml:"max_requests"`
	EpochSeconds uint32 `yaml:"epoch_seconds"`
}

// Epoch maps a timestamp onto the quota epoch it belongs to.
func (q Quota) Epoch(now time.Time) uint64 {
	if q.EpochSeconds == 0 || now.Unix() < 0 {
		return 0
	}
	return uint64(now.Unix()) / uint64(q.EpochSeconds)
}

// CheckQuota verifies whether add more requests fit within the quota. The
// returned Usage reflects the updated counters when the quota is not exceeded;
// on denial prev is returned unchanged.
func CheckQuota(q Quota, nowEpoch uint64, prev Usage, add uint32) (Usage, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = Usage{EpochID: nowEpoch}
	}
	if add > 0 {
		if next.Requests > math.MaxUint32-add {
			return prev, ErrQuotaCounterOverflow
		}
		next.Requests += add
	}
	if q.MaxRequests > 0 && next.Requests > q.MaxRequests {
		return prev, ErrQuotaRequestsExceeded
	}
	return next, nil
}

// QuotaTracker keeps per-key usage in memory.
type QuotaTracker struct {
	mu    sync.Mutex
	quota Quota
	usage map[string]Usage
}

// NewQuotaTracker returns a tracker enforcing q.
func NewQuotaTracker(q Quota) *QuotaTracker {
	return &QuotaTracker{quota: q, usage: make(map[string]Usage)}
}

// Allow charges one request to key at now.
func (t *QuotaTracker) Allow(key string, now time.Time) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	epoch := t.quota.Epoch(now)
	next, err := CheckQuota(t.quota, epoch, t.usage[key], 1)
	if err != nil {
		return err
	}
	t.usage[key] = next
	// Entries from earlier epochs are dead weight once a new epoch starts.
	if len(t.usage) > 4096 {
		for k, u := range t.usage {
			if u.EpochID != epoch {
				delete(t.usage, k)
			}
		}
	}
	return nil
}
