package pacing

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

// Janitor periodically prunes the shared record so stale timestamps do not
// linger in the store while no requests arrive.
type Janitor struct {
	coord    *Coordinator
	interval time.Duration
	mu       sync.Mutex
	cron     *cron.Cron
	stop     chan struct{}
	done     chan struct{}
}

func NewJanitor(coord *Coordinator, interval time.Duration) *Janitor {
	return &Janitor{coord: coord, interval: interval}
}

// Start schedules pruning every interval until ctx is done or Stop is called.
// An interval under one second disables the janitor.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return fmt.Errorf("pacing janitor already running")
	}
	if j.interval < time.Second {
		log.Debug("pacing janitor disabled", "interval", j.interval)
		return nil
	}
	c := cron.New()
	c.Schedule(cron.Every(j.interval), cron.FuncJob(func() { j.run(ctx) }))
	c.Start()
	j.cron = c
	stop, done := make(chan struct{}), make(chan struct{})
	j.stop, j.done = stop, done
	log.Debug("pacing janitor started", "interval", j.interval)

	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-stop:
		}
		<-c.Stop().Done()
	}()
	return nil
}

func (j *Janitor) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := j.coord.Prune(ctx, j.coord.now()); err != nil {
		log.Warn("pacing prune failed", "err", err)
	}
}

// Stop halts the schedule and waits for a running prune to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	stop, done := j.stop, j.done
	j.cron, j.stop, j.done = nil, nil, nil
	j.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
