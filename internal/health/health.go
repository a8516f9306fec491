// Package health implements the readiness probes consulted once before a
// pipeline run.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/pipeline/internal/config"
)

// DefaultTimeout bounds a single check when its config sets none.
const DefaultTimeout = 5 * time.Second

// Status is the outcome of one check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports whether one dependency of the pipeline is ready.
type Checker interface {
	Name() string
	Check(ctx context.Context) Status
}

// CommandCheck verifies that a binary is on PATH.
type CommandCheck struct {
	CheckName string
	Command   string
}

func (c CommandCheck) Name() string { return c.CheckName }

func (c CommandCheck) Check(ctx context.Context) Status {
	if err := ctx.Err(); err != nil {
		return Status{Name: c.CheckName, Detail: err.Error()}
	}
	path, err := exec.LookPath(c.Command)
	if err != nil {
		return Status{Name: c.CheckName, Detail: fmt.Sprintf("%s not found on PATH", c.Command)}
	}
	return Status{Name: c.CheckName, Healthy: true, Detail: path}
}

// HTTPCheck issues a GET and treats any 2xx response as healthy.
type HTTPCheck struct {
	CheckName string
	URL       string
	Timeout   time.Duration
	Client    *http.Client
}

func (c HTTPCheck) Name() string { return c.CheckName }

func (c HTTPCheck) Check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, orDefault(c.Timeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return Status{Name: c.CheckName, Detail: fmt.Sprintf("invalid url: %v", err)}
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Status{Name: c.CheckName, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Status{Name: c.CheckName, Detail: resp.Status}
	}
	return Status{Name: c.CheckName, Healthy: true, Detail: resp.Status}
}

// FileCheck verifies that a path exists.
type FileCheck struct {
	CheckName string
	Path      string
}

func (c FileCheck) Name() string { return c.CheckName }

func (c FileCheck) Check(ctx context.Context) Status {
	if err := ctx.Err(); err != nil {
		return Status{Name: c.CheckName, Detail: err.Error()}
	}
	if _, err := os.Stat(c.Path); err != nil {
		return Status{Name: c.CheckName, Detail: err.Error()}
	}
	return Status{Name: c.CheckName, Healthy: true, Detail: c.Path}
}

// Group runs a set of checks concurrently.
type Group struct {
	checks []Checker
	logger *slog.Logger
}

// NewGroup creates a group. A nil logger falls back to slog.Default().
func NewGroup(logger *slog.Logger, checks ...Checker) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{checks: checks, logger: logger}
}

// Len returns the number of checks in the group.
func (g *Group) Len() int { return len(g.checks) }

// Check runs every check and returns their statuses sorted by name, plus
// whether all of them were healthy. An empty group is healthy.
func (g *Group) Check(ctx context.Context) ([]Status, bool) {
	statuses := make([]Status, len(g.checks))

	var eg errgroup.Group
	for i, c := range g.checks {
		eg.Go(func() error {
			statuses[i] = c.Check(ctx)
			statuses[i].Name = c.Name()
			return nil
		})
	}
	_ = eg.Wait()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	healthy := true
	for _, st := range statuses {
		if st.Healthy {
			g.logger.Debug("health check passed",
				slog.String("check", st.Name),
				slog.String("detail", st.Detail),
			)
			continue
		}
		healthy = false
		g.logger.Warn("health check failed",
			slog.String("check", st.Name),
			slog.String("detail", st.Detail),
		)
	}
	return statuses, healthy
}

// Failing renders the unhealthy statuses as "name: detail" lines.
func Failing(statuses []Status) string {
	var lines []string
	for _, st := range statuses {
		if !st.Healthy {
			lines = append(lines, fmt.Sprintf("%s: %s", st.Name, st.Detail))
		}
	}
	return strings.Join(lines, "\n")
}

// New creates a checker from config.
func New(name string, cfg config.HealthCheckConfig) (Checker, error) {
	switch cfg.Type {
	case "command":
		return CommandCheck{CheckName: name, Command: cfg.Target}, nil
	case "http":
		return HTTPCheck{CheckName: name, URL: cfg.Target, Timeout: cfg.Timeout.Std()}, nil
	case "file":
		return FileCheck{CheckName: name, Path: cfg.Target}, nil
	default:
		return nil, fmt.Errorf("unknown health check type: %s", cfg.Type)
	}
}

// FromConfig builds a group with one checker per configured check.
func FromConfig(checks map[string]config.HealthCheckConfig, logger *slog.Logger) (*Group, error) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make([]Checker, 0, len(names))
	for _, name := range names {
		c, err := New(name, checks[name])
		if err != nil {
			return nil, fmt.Errorf("health check %q: %w", name, err)
		}
		list = append(list, c)
	}
	return NewGroup(logger, list...), nil
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
