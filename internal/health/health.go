// Package health tracks the health of station components
package health

import (
	"sort"
	"sync"
	"time"
)

// Overall states reported by GetStatus
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents overall station health
type Status struct {
	Status        string           `json:"status"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    map[string]Check `json:"components"`
	Failing       []string         `json:"failing,omitempty"`
}

// Check represents a component health check
type Check struct {
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Checker tracks health of station components. An unhealthy critical
// component makes the station unhealthy; any other failure degrades it.
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]Check
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Check),
	}
}

// SetComponent updates a non-critical component's health
func (c *Checker) SetComponent(name string, healthy bool, message string) {
	c.set(name, healthy, false, message)
}

// SetCritical updates a component the station cannot work without
func (c *Checker) SetCritical(name string, healthy bool, message string) {
	c.set(name, healthy, true, message)
}

func (c *Checker) set(name string, healthy, critical bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = Check{
		Healthy:   healthy,
		Critical:  critical,
		Message:   message,
		LastCheck: time.Now(),
	}
}

// Remove forgets a component
func (c *Checker) Remove(name string) {
	c.mu.Lock()
	delete(c.components, name)
	c.mu.Unlock()
}

// GetStatus returns the overall health status
func (c *Checker) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusOK
	var failing []string
	components := make(map[string]Check, len(c.components))
	for name, check := range c.components {
		components[name] = check
		if check.Healthy {
			continue
		}
		failing = append(failing, name)
		if check.Critical {
			status = StatusUnhealthy
		} else if status == StatusOK {
			status = StatusDegraded
		}
	}
	sort.Strings(failing)

	return Status{
		Status:        status,
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Components:    components,
		Failing:       failing,
	}
}

// IsHealthy returns true if no critical component is failing
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, check := range c.components {
		if check.Critical && !check.Healthy {
			return false
		}
	}
	return true
}
