package redmine

import (
	"sync"
	"time"
)

// retryStats tracks retry loop statistics.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// RetryStats holds statistics about retry loops run by a connection manager.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made (including initial and retries)
	TotalAttempts int64 `json:"total_attempts"`

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64 `json:"total_retries"`

	// TotalSuccesses is the number of requests that eventually succeeded
	TotalSuccesses int64 `json:"total_successes"`

	// TotalFailures is the number of requests that failed (after all retries exhausted)
	TotalFailures int64 `json:"total_failures"`

	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time `json:"last_attempt_time"`

	// LastError is the last error surfaced by a retry loop (if any)
	LastError error `json:"-"`
}

func (s *retryStats) attempt(retry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalAttempts++
	if retry {
		s.totalRetries++
	}
	s.lastAttemptTime = time.Now()
}

func (s *retryStats) success() {
	s.mu.Lock()
	s.totalSuccesses++
	s.mu.Unlock()
}

func (s *retryStats) failure(err error) {
	s.mu.Lock()
	s.totalFailures++
	s.lastError = err
	s.mu.Unlock()
}

// snapshot is thread-safe and returns a copy of the current statistics.
func (s *retryStats) snapshot() RetryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   s.totalAttempts,
		TotalRetries:    s.totalRetries,
		TotalSuccesses:  s.totalSuccesses,
		TotalFailures:   s.totalFailures,
		LastAttemptTime: s.lastAttemptTime,
		LastError:       s.lastError,
	}
}
