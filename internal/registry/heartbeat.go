package registry

import (
	"context"
	"log"
	"time"
)

// HeartbeatTask sends periodic heartbeats for one agent. Heartbeats are
// best-effort: a failed write is logged and the loop keeps going, because a
// missed beat only risks looking idle while a crashed loop would take the
// whole host process's liveness with it.
type HeartbeatTask struct {
	reg      *Registry
	agentID  string
	interval time.Duration
	logger   *log.Logger
	stop     chan struct{}
	done     chan struct{}
}

func NewHeartbeatTask(reg *Registry, agentID string, interval time.Duration, logger *log.Logger) *HeartbeatTask {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &HeartbeatTask{
		reg:      reg,
		agentID:  agentID,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the beat loop in its own goroutine.
func (t *HeartbeatTask) Start(ctx context.Context) {
	go t.run(ctx)
}

// Stop halts the loop and waits for it to exit. Safe to call once.
func (t *HeartbeatTask) Stop() {
	close(t.stop)
	<-t.done
}

func (t *HeartbeatTask) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.reg.Heartbeat(ctx, t.agentID, ""); err != nil {
				t.logger.Printf("heartbeat failed agent=%s err=%v", t.agentID, err)
			}
		}
	}
}
