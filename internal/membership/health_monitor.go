package membership

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/replicache/internal/cluster"
)

// Health states reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// MemberHealth is the monitor's record of one member.
type MemberHealth struct {
	LastCheck        time.Time       `json:"last_check"`
	LastHealthy      time.Time       `json:"last_healthy"`
	Address          cluster.Address `json:"address"`
	Status           string          `json:"status"`
	ConsecutiveFails int             `json:"consecutive_fails"`
}

// HealthMonitor probes every registered member's /health endpoint on a
// fixed interval. A member that fails maxFailures checks in a row is
// reported once through the unhealthy callback; the registry removes it
// and pushes a new view.
//
// Members that disappear from the provider's list are forgotten on the next
// round.
type HealthMonitor struct {
	members     map[cluster.Address]*MemberHealth
	httpClient  *http.Client
	checkFunc   func(addr cluster.Address) error
	onUnhealthy func(addr cluster.Address)
	logger      *log.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor returns a monitor that checks every interval and gives
// up on a member after maxFailures consecutive failures.
func NewHealthMonitor(interval time.Duration, maxFailures int) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &HealthMonitor{
		interval:    interval,
		maxFailures: maxFailures,
		members:     make(map[cluster.Address]*MemberHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      log.New(os.Stderr, "[health] ", log.LstdFlags),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback run, on its own goroutine, when a member
// crosses the failure threshold.
func (h *HealthMonitor) SetOnUnhealthy(callback func(addr cluster.Address)) {
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP probe. Tests use it to simulate
// failures.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr cluster.Address) error) {
	h.checkFunc = checkFunc
}

// Start runs the check loop until ctx or Stop ends it. The first round runs
// immediately. It blocks; call it on its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []cluster.Address) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.probe
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Printf("started with interval %v", h.interval)
	h.checkAll(provider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(provider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop ends the loop and waits for it.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	h.logger.Println("stopped")
}

func (h *HealthMonitor) checkAll(addrs []cluster.Address) {
	current := make(map[cluster.Address]bool, len(addrs))
	for _, addr := range addrs {
		current[addr] = true
		h.check(addr)
	}

	h.mu.Lock()
	for addr := range h.members {
		if !current[addr] {
			delete(h.members, addr)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(addr cluster.Address) {
	h.mu.Lock()
	health, ok := h.members[addr]
	if !ok {
		now := time.Now()
		health = &MemberHealth{Address: addr, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.members[addr] = health
	}
	h.mu.Unlock()

	// The probe runs without the lock so one slow member does not block
	// readers.
	err := h.checkFunc(addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		h.logger.Printf("check of %s failed (%d/%d): %v", addr, health.ConsecutiveFails, h.maxFailures, err)
		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.logger.Printf("%s is unhealthy", addr)
			if h.onUnhealthy != nil {
				go h.onUnhealthy(addr)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		h.logger.Printf("%s recovered", addr)
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

func (h *HealthMonitor) probe(addr cluster.Address) error {
	url := string(addr)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimRight(url, "/") + "/health"

	resp, err := h.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// Health returns a copy of addr's record, or nil if it is not monitored.
func (h *HealthMonitor) Health(addr cluster.Address) *MemberHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.members[addr]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// All returns copies of every record.
func (h *HealthMonitor) All() map[cluster.Address]*MemberHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[cluster.Address]*MemberHealth, len(h.members))
	for addr, health := range h.members {
		cp := *health
		out[addr] = &cp
	}
	return out
}

// IsHealthy reports whether addr passed its last check.
func (h *HealthMonitor) IsHealthy(addr cluster.Address) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.members[addr]
	return ok && health.Status == StatusHealthy
}
