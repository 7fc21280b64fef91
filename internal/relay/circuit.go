package relay

import (
	"strings"
	"sync"
	"time"
)

const cbCooldown = 60 * time.Second

var cbThreshold = 3

// relayCircuit is a per-relay publish circuit breaker, grounded on the
// teacher's internal/nostr/relay.go relayCircuit: closed → open after
// cbThreshold consecutive failures, half-open retry after cbCooldown.
type relayCircuit struct {
	mu        sync.Mutex
	failCount int
	openedAt  time.Time
	open      bool
}

func (cb *relayCircuit) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return false
	}
	if time.Since(cb.openedAt) >= cbCooldown {
		cb.open = false
		cb.failCount = 0
		return false
	}
	return true
}

// recordFailure returns true the first time the circuit opens.
func (cb *relayCircuit) recordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failCount++
	if !cb.open && cb.failCount >= cbThreshold {
		cb.open = true
		cb.openedAt = time.Now()
		return true
	}
	return false
}

// recordSuccess returns true if the circuit was previously open or had
// recorded any failures.
func (cb *relayCircuit) recordSuccess() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	was := cb.open || cb.failCount > 0
	cb.open = false
	cb.failCount = 0
	return was
}

func (cb *relayCircuit) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = false
	cb.failCount = 0
}

// Status describes one relay's connectivity and circuit-breaker state,
// per §4.3: "connected, lastConnected, lastDisconnected, lastError".
type Status struct {
	URL               string
	Connected         bool
	LastConnected     time.Time
	LastDisconnected  time.Time
	LastError         string
	CircuitOpen       bool
	FailCount         int
	CooldownRemaining int
}

func (cb *relayCircuit) snapshot(url string) (open bool, failCount int, cooldownRemaining int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	open = cb.open && time.Since(cb.openedAt) < cbCooldown
	if open {
		r := cbCooldown - time.Since(cb.openedAt)
		if r > 0 {
			cooldownRemaining = int(r.Seconds())
		}
	}
	return open, cb.failCount, cooldownRemaining
}

func isPolicyRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "msg: blocked:") || strings.Contains(msg, "msg: invalid:")
}

func isPowRequired(err error) bool {
	return err != nil && strings.Contains(err.Error(), "pow:")
}
