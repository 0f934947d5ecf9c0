/*
sweeper.go - Deadline enforcement for stuck requests

PURPOSE:
  Requests get stuck: a publisher never responds, an advertiser never
  confirms. The sweeper runs on a fixed interval, scans for requests past
  their deadline, and drives each through the Manager's terminal
  transition for its state - auto-refund for unanswered pending requests,
  auto-confirm for unconfirmed accepted ones.

RACES ARE EXPECTED:
  The sweeper shares the Manager's entry points with manual actions, so a
  publisher may accept in the same instant the sweeper would refund. The
  status compare-and-swap makes exactly one of the two win; the loser gets
  InvalidTransition, which the sweeper counts as a skip - not an error,
  not a retry, not a log line above debug level.

FAILURE ISOLATION:
  A storage fault on one request must not abort the scan. Each request
  gets a bounded backoff retry; persistent failures are counted and the
  scan moves on. The run reports totals per outcome.
*/
package request

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Sweeper periodically forces terminal transitions on expired requests.
type Sweeper struct {
	manager *Manager

	// Interval between scans.
	Interval time.Duration

	// BatchSize caps how many expired rows of each kind one run handles.
	BatchSize int

	// OnReport, when set, is called with the report of every completed
	// run (background and manual). Used for metrics export.
	OnReport func(Report)

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
	return &Sweeper{
		manager:   m,
		Interval:  interval,
		BatchSize: 100,
		stop:      make(chan struct{}),
	}
}

// attemptsPerRequest bounds the backoff retry of an infrastructure fault
// on a single request before it is counted as failed.
const attemptsPerRequest = 3

// Report summarizes one sweep run.
type Report struct {
	Refunded  int // pending past response deadline, auto-refunded
	Confirmed int // accepted past confirmation deadline, auto-confirmed
	Skipped   int // lost an expected race with a manual action
	Failed    int // persistent per-request failures (scan continued)
	StartedAt time.Time
	Duration  time.Duration
}

func (r Report) Succeeded() int { return r.Refunded + r.Confirmed }

// Start launches the background scan loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()
	log.Printf("[Sweeper] Started with interval %v", s.Interval)
}

// Stop stops the scan loop and waits for an in-flight run to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Run immediately on start, then on every tick.
	s.RunOnce(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunOnce(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunOnce performs one full scan and returns its report. Safe to call
// concurrently with manual actions and with itself: every transition is
// guarded by the status compare-and-swap, so a repeated run never
// double-refunds or double-pays an already terminal request.
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	started := s.manager.now()
	report := Report{StartedAt: started.UTC()}
	now := started.UTC()

	pending, err := s.manager.store.ExpiredPending(ctx, now, s.BatchSize)
	if err != nil {
		log.Printf("[Sweeper] Error scanning expired pending requests: %v", err)
		report.Failed++
	} else {
		for _, r := range pending {
			s.sweepOne(ctx, r.ID, &report, &report.Refunded, func(ctx context.Context, id string) error {
				_, err := s.manager.expireResponse(ctx, id)
				return err
			})
		}
	}

	accepted, err := s.manager.store.ExpiredAccepted(ctx, now, s.BatchSize)
	if err != nil {
		log.Printf("[Sweeper] Error scanning expired accepted requests: %v", err)
		report.Failed++
	} else {
		for _, r := range accepted {
			s.sweepOne(ctx, r.ID, &report, &report.Confirmed, func(ctx context.Context, id string) error {
				_, err := s.manager.expireConfirmation(ctx, id)
				return err
			})
		}
	}

	report.Duration = time.Since(started)
	if report.Succeeded() > 0 || report.Failed > 0 {
		log.Printf("[Sweeper] Completed: %d refunded, %d confirmed, %d skipped, %d failed (%v)",
			report.Refunded, report.Confirmed, report.Skipped, report.Failed, report.Duration)
	}
	if s.OnReport != nil {
		s.OnReport(report)
	}
	return report
}

// sweepOne drives a single request to its terminal state, isolating its
// failures from the rest of the scan.
func (s *Sweeper) sweepOne(ctx context.Context, id string, report *Report, succeeded *int, transition func(context.Context, string) error) {
	var err error
	for attempt := 0; attempt < attemptsPerRequest; attempt++ {
		if attempt > 0 {
			// Linear backoff before re-attempting an infrastructure fault.
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}

		err = transition(ctx, id)
		if err == nil {
			*succeeded++
			return
		}
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrRequestNotFound) {
			// A manual action won the race. Expected, not a fault.
			report.Skipped++
			return
		}
		// Infrastructure fault: back off and re-attempt this request.
	}

	log.Printf("[Sweeper] Giving up on request %s: %v", id, err)
	report.Failed++
}
