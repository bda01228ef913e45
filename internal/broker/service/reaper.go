package service

import (
	"context"
	"log"
	"time"

	telemetrydomain "auction-tracker/backend/internal/telemetry/domain"
)

// RunReaper closes sessions idle for longer than idle every interval until ctx is done.
// Without it an idle session only leaves ActivePeers and stays registered until disconnect.
func (b *Broker) RunReaper(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reap(ctx, idle)
		}
	}
}

func (b *Broker) reap(ctx context.Context, idle time.Duration) int {
	conns := b.sessions.Reap(idle)
	for _, c := range conns {
		log.Printf("broker: reaping idle connection %s", c.ID())
		if err := c.Close(); err != nil {
			log.Printf("broker: close %s: %v", c.ID(), err)
		}
		b.emit(ctx, &telemetrydomain.Telemetry{EventType: telemetrydomain.EventSessionClosed, Reason: "idle"})
	}
	return len(conns)
}
