package relay

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mcprelay-go/internal/relay/conn"
	"mcprelay-go/internal/relay/types"
)

// connectionSource is the slice of the manager the health monitor needs.
type connectionSource interface {
	LiveConnections() []*conn.Connection
	HandleServerDisconnection(key types.ServerKey)
}

// HealthMonitor periodically probes every live connection and reports the
// ones that stopped responding. Probes run concurrently so one slow server
// cannot delay the rest of the round.
type HealthMonitor struct {
	src          connectionSource
	clock        clock.Clock
	interval     time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a monitor; Start must be called to begin probing.
func NewHealthMonitor(src connectionSource, clk clock.Clock, interval, probeTimeout time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		src:          src,
		clock:        clk,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the probe loop.
func (h *HealthMonitor) Start() {
	h.wg.Add(1)
	go h.loop()
}

func (h *HealthMonitor) loop() {
	defer h.wg.Done()

	ticker := h.clock.Ticker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.probeAll()
		case <-h.stopCh:
			return
		}
	}
}

// probeAll probes every live connection concurrently and waits for the
// round to finish before returning.
func (h *HealthMonitor) probeAll() {
	conns := h.src.LiveConnections()
	if len(conns) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn.Connection) {
			defer wg.Done()
			if c.IsAlive(context.Background(), h.probeTimeout) {
				return
			}
			h.logger.Warn("Health probe failed, marking server disconnected",
				zap.String("server", c.Key().String()))
			h.src.HandleServerDisconnection(c.Key())
		}(c)
	}
	wg.Wait()
}

// Stop halts the probe loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()
}
