package call

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/notelify/internal/core"
)

const DefaultHeartbeatInterval = 30 * time.Second

// heartbeat pings once immediately and then every interval until stopped.
// Failures are logged and never end the call.
type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startHeartbeat(interval time.Duration, beat func(context.Context) error, onFail func()) *heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &heartbeat{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := beat(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(fmt.Errorf("%w: %v", core.ErrHeartbeat, err)).Str("module", "call").Msg("heartbeat")
				if onFail != nil {
					onFail()
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return h
}

func (h *heartbeat) stop() {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}
