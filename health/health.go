// Package health reports broker reachability for the channels a service uses.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// Healthy reports whether the check passed
func (r CheckResult) Healthy() bool {
	return r.Status == StatusHealthy
}

// Report is the combined result of every registered check
type Report struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Checks    []CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry runs a set of checkers concurrently
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a checker, replacing any with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Check runs all checks. Checks still running when ctx ends are reported
// unhealthy. Results are sorted by name.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	results := make(chan CheckResult, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			results <- c.Check(ctx)
		}(c)
	}

	seen := make(map[string]bool, len(checkers))
	report := Report{Status: StatusHealthy}

collect:
	for range checkers {
		select {
		case res := <-results:
			seen[res.Name] = true
			report.Checks = append(report.Checks, res)
			if !res.Healthy() {
				report.Status = StatusUnhealthy
			}
		case <-ctx.Done():
			for _, c := range checkers {
				if seen[c.Name()] {
					continue
				}
				report.Checks = append(report.Checks, CheckResult{
					Name:      c.Name(),
					Status:    StatusUnhealthy,
					Message:   "check timed out",
					Duration:  time.Since(start),
					Timestamp: time.Now(),
					Error:     ctx.Err().Error(),
				})
			}
			report.Status = StatusUnhealthy
			break collect
		}
	}

	sort.Slice(report.Checks, func(i, j int) bool {
		return report.Checks[i].Name < report.Checks[j].Name
	})
	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}
