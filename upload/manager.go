package upload

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultCleanupInterval is how often the manager sweeps for expired
// uploads.
const DefaultCleanupInterval = time.Hour

// Manager periodically sweeps a temporary storage for expired uploads.
type Manager struct {
	temp     TemporaryStorage
	expiry   time.Duration
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a sweeper over temp. Zero durations take the
// defaults.
func NewManager(temp TemporaryStorage, expiry, interval time.Duration) *Manager {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Manager{temp: temp, expiry: expiry, interval: interval}
}

// Start launches the sweep loop.
func (m *Manager) Start() {
	var ctx, cancel = context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		var ticker = time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var removed, err = m.temp.CleanupExpiredUploads(ctx, m.expiry)
				if err != nil {
					log.WithField("err", err).Error("failed to clean up expired uploads")
				} else if removed != 0 {
					log.WithField("removed", removed).Info("cleaned up expired uploads")
				}
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}
