package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Connector is a remote store whose session can be re-established
type Connector interface {
	CheckSession(ctx context.Context) error
	Connect(ctx context.Context) error
}

// HealthCheckConfig represents session monitoring configuration
type HealthCheckConfig struct {
	// Check interval
	Interval time.Duration `json:"interval"`

	// Timeout for a single check or reconnect
	Timeout time.Duration `json:"timeout"`

	// Failed checks in a row before a reconnect is attempted
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// DefaultHealthCheckConfig returns the settings used by the daemon
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Interval:            15 * time.Second,
		Timeout:             5 * time.Second,
		ConsecutiveFailures: 2,
	}
}

// HealthSummary describes the last observed session state
type HealthSummary struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Reconnects          int       `json:"reconnects"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
}

// HealthMonitor periodically checks the remote session and reconnects after
// repeated failures. Operations failing in the meantime report NO_SESSION or
// NO_PEER_CONNECTION and are retried by the executor.
type HealthMonitor struct {
	remote Connector
	config HealthCheckConfig

	mutex    sync.RWMutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	summary  HealthSummary
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(remote Connector, config HealthCheckConfig) *HealthMonitor {
	defaults := DefaultHealthCheckConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.ConsecutiveFailures <= 0 {
		config.ConsecutiveFailures = defaults.ConsecutiveFailures
	}
	return &HealthMonitor{remote: remote, config: config}
}

// Start begins health monitoring
func (hm *HealthMonitor) Start(ctx context.Context) error {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	if hm.running {
		return fmt.Errorf("health monitor already running")
	}
	hm.running = true
	hm.stopChan = make(chan struct{})
	hm.done = make(chan struct{})

	go hm.monitorLoop(ctx)
	return nil
}

// Stop stops health monitoring and waits for a running check
func (hm *HealthMonitor) Stop() {
	hm.mutex.Lock()
	if !hm.running {
		hm.mutex.Unlock()
		return
	}
	hm.running = false
	close(hm.stopChan)
	done := hm.done
	hm.mutex.Unlock()

	<-done
}

func (hm *HealthMonitor) monitorLoop(ctx context.Context) {
	defer close(hm.done)

	ticker := time.NewTicker(hm.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hm.Check(ctx)
		case <-hm.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Check performs one session check, reconnecting once the failure threshold
// is reached, and returns the resulting summary
func (hm *HealthMonitor) Check(ctx context.Context) HealthSummary {
	checkCtx, cancel := context.WithTimeout(ctx, hm.config.Timeout)
	err := hm.remote.CheckSession(checkCtx)
	cancel()

	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.summary.LastCheck = time.Now()
	if err == nil {
		hm.summary.Healthy = true
		hm.summary.ConsecutiveFailures = 0
		hm.summary.LastError = ""
		return hm.summary
	}

	hm.summary.Healthy = false
	hm.summary.ConsecutiveFailures++
	hm.summary.LastError = err.Error()
	if hm.summary.ConsecutiveFailures < hm.config.ConsecutiveFailures {
		return hm.summary
	}

	connectCtx, cancel := context.WithTimeout(ctx, hm.config.Timeout)
	defer cancel()
	if cerr := hm.remote.Connect(connectCtx); cerr != nil {
		hm.summary.LastError = cerr.Error()
		return hm.summary
	}
	hm.summary.Reconnects++
	hm.summary.Healthy = true
	hm.summary.ConsecutiveFailures = 0
	hm.summary.LastError = ""
	return hm.summary
}

// GetHealthSummary returns the result of the last check
func (hm *HealthMonitor) GetHealthSummary() HealthSummary {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()
	return hm.summary
}
