package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	sweepInterval = 30 * time.Second
	sweepBatch    = 100
)

// Sweeper periodically releases funded escrows whose auto-release deadline
// has passed. It is the safety net behind the approval flow: a buyer who
// goes silent cannot hold the seller's funds forever.
type Sweeper struct {
	svc     *Service
	logger  *slog.Logger
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSweeper creates a sweeper driving the given service.
func NewSweeper(svc *Service, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		svc:    svc,
		logger: logger.With("component", "sweeper"),
	}
}

// Start launches the sweep loop in a goroutine. Calling Start twice is a
// no-op.
func (s *Sweeper) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	<-s.done
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

func (s *Sweeper) loop() {
	defer close(s.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	s.logger.Info("auto-release sweeper started", "interval", sweepInterval)
	for {
		select {
		case <-s.stop:
			s.logger.Info("auto-release sweeper stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sweepInterval)
	defer cancel()

	due, err := s.svc.ListDue(ctx, time.Now(), sweepBatch)
	if err != nil {
		s.logger.Error("listing due escrows failed", "error", err)
		return
	}

	for _, e := range due {
		if _, err := s.svc.AutoRelease(ctx, e.ID); err != nil {
			// Another instance or an approval may have released it between
			// the list and the release; that is not a failure.
			if errors.Is(err, ErrInvalidStatus) || errors.Is(err, ErrReleaseNotDue) {
				continue
			}
			s.logger.Error("auto-release failed", "escrowID", e.ID, "error", err)
			continue
		}
		s.logger.Info("escrow auto-released", "escrowID", e.ID, "netAmount", e.NetAmount)
	}
}
