// Package health serves readiness checks for gatekeeper binaries. The
// PostgreSQL and Redis clients satisfy Checker, so a binary lists the
// dependencies it cannot serve without and mounts ReadyHandler at /readyz.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

const (
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
)

// Checker reports whether a dependency is usable.
type Checker interface {
	Health(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Health(ctx context.Context) error { return f(ctx) }

// Report is the readiness body. Checks maps each dependency to "ok" or to
// the public message of its failure.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Check runs every checker concurrently. The returned error is the failure
// of the first failing dependency by name, wrapped as
// CodeUnavailableDependency.
func Check(ctx context.Context, checks map[string]Checker) (Report, error) {
	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		g        errgroup.Group
	)
	report := Report{Status: StatusReady, Checks: make(map[string]string, len(checks))}
	for name, c := range checks {
		g.Go(func() error {
			err := c.Health(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[name] = err
				resp, _ := sserr.Public(err)
				report.Checks[name] = resp.Message
				return nil
			}
			report.Checks[name] = "ok"
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == 0 {
		return report, nil
	}
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	report.Status = StatusNotReady
	return report, sserr.Wrapf(failures[names[0]], sserr.CodeUnavailableDependency, "health: %s is not ready", names[0])
}

// ReadyHandler answers 200 with a Report when every check passes and 503
// otherwise.
func ReadyHandler(checks map[string]Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report, err := Check(r.Context(), checks)
		status := http.StatusOK
		if err != nil {
			slog.WarnContext(r.Context(), "health: readiness check failed", "error", err)
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
}
