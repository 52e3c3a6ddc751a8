package wait

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nuulab/flowcore/pkg/store"
)

// DefaultScanInterval matches spec.md §4.4's documented default.
const DefaultScanInterval = 30 * time.Second

// timedOutError is the synthetic error text recorded against every
// child that never reported before a wait's deadline passed.
const timedOutError = "timed out"

// Scanner runs the timeout scan background task described in
// spec.md §4.4, grounded on the teacher's ticker-loop shape (see
// pkg/workflow/cron.go's run/Stop pair).
type Scanner struct {
	coord    *Coordinator
	interval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewScanner builds a Scanner over coord. interval<=0 uses
// DefaultScanInterval.
func NewScanner(coord *Coordinator, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Scanner{coord: coord, interval: interval}
}

// Start launches the scan loop in a background goroutine. It is a
// no-op if already running.
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the scan loop.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		close(s.stop)
		s.running = false
	}
}

func (s *Scanner) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			if err := s.Tick(ctx, now); err != nil {
				log.Printf("wait: timeout scan tick failed: %v", err)
			}
		}
	}
}

// Tick runs one scan pass: every non-satisfied wait whose deadline has
// passed gets its missing children synthetically failed and the
// resumer notified exactly once. Running Tick twice against the same
// wait is a no-op the second time, because the first pass leaves the
// wait Satisfied and GetTimedOutWaitConditions excludes satisfied
// waits by construction.
func (s *Scanner) Tick(ctx context.Context, now time.Time) error {
	timedOut, err := s.coord.store.GetTimedOutWaitConditions(ctx, now)
	if err != nil {
		return err
	}

	for _, w := range timedOut {
		corrID := w.CorrelationID
		updated, err := s.coord.store.UpdateWaitCondition(ctx, corrID, markMissingAsTimedOut)
		if err != nil {
			log.Printf("wait: timeout scan: failed to mark %s timed out: %v", corrID, err)
			continue
		}

		if s.coord.resumer != nil {
			if err := s.coord.resumer.ResumeWait(ctx, corrID, updated); err != nil {
				log.Printf("wait: timeout scan: resume failed for %s: %v", corrID, err)
			}
		}
	}
	return nil
}

// markMissingAsTimedOut is the WaitMutator the scan runs inside the
// store's atomic update section: every child id not yet reported gets
// a synthetic "timed out" failure, and Completed is forced up to
// Expected so the wait reads as satisfied afterward.
func markMissingAsTimedOut(w *store.WaitCondition) error {
	reported := make(map[string]struct{}, len(w.Results))
	for _, r := range w.Results {
		reported[r.ChildID] = struct{}{}
	}
	for _, childID := range w.ChildIDs {
		if _, ok := reported[childID]; ok {
			continue
		}
		w.Results = append(w.Results, store.ChildResult{ChildID: childID, Success: false, Error: timedOutError})
	}
	w.Completed = w.Expected
	return nil
}
