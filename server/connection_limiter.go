package server

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mismo-messaging/mismo/logger"
)

// ConnectionLimiter manages connection limits for protocol servers.
// Per-IP counters are keyed by a SHA-1 digest of the client IP so the
// in-memory table never holds raw addresses.
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.RWMutex
	cleanupInterval  time.Duration
	protocol         string
}

// NewConnectionLimiter creates a new connection limiter. A limit of
// zero disables that check.
func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		cleanupInterval:  5 * time.Minute,
		protocol:         protocol,
	}
}

// hashIP derives the per-IP table key from the remote address.
func hashIP(remoteAddr net.Addr) string {
	ip, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		ip = remoteAddr.String()
	}
	sum := sha1.Sum([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// CanAccept checks if a new connection can be accepted from the given
// remote address.
func (cl *ConnectionLimiter) CanAccept(remoteAddr net.Addr) error {
	if cl.maxConnections <= 0 && cl.maxPerIP <= 0 {
		return nil
	}

	if cl.maxConnections > 0 {
		current := cl.currentTotal.Load()
		if current >= int64(cl.maxConnections) {
			return fmt.Errorf("maximum connections reached (%d/%d)", current, cl.maxConnections)
		}
	}

	if cl.maxPerIP > 0 {
		key := hashIP(remoteAddr)

		cl.mu.RLock()
		ipCounter, exists := cl.perIPConnections[key]
		cl.mu.RUnlock()

		if exists {
			current := ipCounter.Load()
			if current >= int64(cl.maxPerIP) {
				return fmt.Errorf("maximum connections per client reached (%d/%d)", current, cl.maxPerIP)
			}
		}
	}

	return nil
}

// Accept registers a new connection and returns a function to release it.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	if err := cl.CanAccept(remoteAddr); err != nil {
		return nil, err
	}

	total := cl.currentTotal.Add(1)

	var ipCounter *atomic.Int64
	key := hashIP(remoteAddr)

	if cl.maxPerIP > 0 {
		cl.mu.Lock()
		var exists bool
		ipCounter, exists = cl.perIPConnections[key]
		if !exists {
			ipCounter = &atomic.Int64{}
			cl.perIPConnections[key] = ipCounter
		}
		cl.mu.Unlock()

		perIP := ipCounter.Add(1)
		logger.Debug("Connection limiter: connection accepted", "protocol", cl.protocol, "total", total, "max_total", cl.maxConnections, "per_ip", perIP, "max_per_ip", cl.maxPerIP)
	} else {
		logger.Debug("Connection limiter: connection accepted", "protocol", cl.protocol, "total", total, "max_total", cl.maxConnections)
	}

	return func() {
		cl.currentTotal.Add(-1)

		if ipCounter != nil {
			remaining := ipCounter.Add(-1)
			if remaining <= 0 {
				cl.mu.Lock()
				if ipCounter.Load() <= 0 {
					delete(cl.perIPConnections, key)
				}
				cl.mu.Unlock()
			}
			logger.Debug("Connection limiter: connection released", "protocol", cl.protocol, "total", cl.currentTotal.Load(), "per_ip", remaining)
		} else {
			logger.Debug("Connection limiter: connection released", "protocol", cl.protocol, "total", cl.currentTotal.Load())
		}
	}, nil
}

// GetStats returns current connection statistics.
func (cl *ConnectionLimiter) GetStats() ConnectionStats {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	return ConnectionStats{
		Protocol:         cl.protocol,
		TotalConnections: cl.currentTotal.Load(),
		MaxConnections:   int64(cl.maxConnections),
		MaxPerIP:         int64(cl.maxPerIP),
		TrackedClients:   int64(len(cl.perIPConnections)),
	}
}

// StartCleanup starts a background goroutine to clean up stale IP entries.
func (cl *ConnectionLimiter) StartCleanup(ctx context.Context) {
	if cl.cleanupInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(cl.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup()
			}
		}
	}()
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cleaned := 0
	for key, counter := range cl.perIPConnections {
		if counter.Load() <= 0 {
			delete(cl.perIPConnections, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		logger.Debug("Connection limiter: cleaned up stale client entries", "protocol", cl.protocol, "count", cleaned)
	}
}

// ConnectionStats represents connection statistics.
type ConnectionStats struct {
	Protocol         string
	TotalConnections int64
	MaxConnections   int64
	MaxPerIP         int64
	TrackedClients   int64
}
