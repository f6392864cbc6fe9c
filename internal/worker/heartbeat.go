package worker

import (
	"context"
	"time"

	"taskrelay/internal/domain"
)

// heartbeat publishes this pool's active task ids until ctx ends. Beacons
// expire after three missed intervals.
func (p *Pool) heartbeat(ctx context.Context) {
	t := time.NewTicker(p.cfg.HeartbeatInterval)
	defer t.Stop()
	p.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.beat(ctx)
		}
	}
}

func (p *Pool) beat(ctx context.Context) {
	b, err := p.src.Broker()
	if err != nil {
		return
	}
	hb := domain.WorkerHeartbeat{
		WorkerID:      p.cfg.ID,
		ActiveTaskIDs: p.ActiveTasks(),
		LastSeen:      time.Now().UTC(),
	}
	if err := b.Heartbeat(ctx, hb, 3*p.cfg.HeartbeatInterval); err != nil && ctx.Err() == nil {
		p.log.Debug().Err(err).Msg("heartbeat failed")
	}
}
