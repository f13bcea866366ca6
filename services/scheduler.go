package services

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"tercuman.link/configs/configslog"

	"go.uber.org/zap"
)

// Ticker is what the scheduler drives.
type Ticker interface {
	Tick(ctx context.Context) (*TickReport, error)
}

// Scheduler calls Tick every interval plus a random jitter so several engine
// instances do not tick in lockstep.
type Scheduler struct {
	ticker   Ticker
	interval time.Duration
	jitter   time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewScheduler returns a Scheduler calling ticker every interval plus up to jitter.
func NewScheduler(ticker Ticker, interval, jitter time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{ticker: ticker, interval: interval, jitter: jitter, stopChan: make(chan struct{})}
}

func (s *Scheduler) next() time.Duration {
	if s.jitter <= 0 {
		return s.interval
	}
	return s.interval + time.Duration(rand.Int64N(int64(s.jitter)))
}

// Start runs the loop in the background until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	configslog.Log.Info("scheduler started", zap.Duration("interval", s.interval), zap.Duration("jitter", s.jitter))
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-timer.C:
			if _, err := s.ticker.Tick(ctx); err != nil {
				configslog.Log.Error("scheduler: tick failed", zap.Error(err))
			}
			timer.Reset(s.next())
		}
	}
}

// Stop ends the loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	configslog.Log.Info("scheduler stopped")
}
