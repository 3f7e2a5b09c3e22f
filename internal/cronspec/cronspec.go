// Package cronspec validates worker cadences and renders the crontab
// entries that launch workers per registered project.
package cronspec

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/prd-orchestrator/internal/config"
	"github.com/hochfrequenz/prd-orchestrator/internal/lockfile"
	"github.com/hochfrequenz/prd-orchestrator/internal/store"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse parses a standard five-field cron expression.
func Parse(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Cadences maps each role to its configured cron expression.
func Cadences(cfg *config.ScheduleConfig) map[lockfile.Role]string {
	return map[lockfile.Role]string{
		lockfile.RoleExecutor: cfg.Executor,
		lockfile.RoleReviewer: cfg.Reviewer,
		lockfile.RoleAuditor:  cfg.Auditor,
	}
}

// Validate checks every configured cadence.
func Validate(cfg *config.ScheduleConfig) error {
	for role, expr := range Cadences(cfg) {
		if expr == "" {
			return fmt.Errorf("%s cadence is required", role)
		}
		if _, err := Parse(expr); err != nil {
			return fmt.Errorf("invalid %s cadence %q: %w", role, expr, err)
		}
	}
	return nil
}

// NextRuns reports the next fire time per role from now.
func NextRuns(cfg *config.ScheduleConfig, now time.Time) (map[lockfile.Role]time.Time, error) {
	next := make(map[lockfile.Role]time.Time)
	for role, expr := range Cadences(cfg) {
		sched, err := Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("parsing %s cadence: %w", role, err)
		}
		next[role] = sched.Next(now)
	}
	return next, nil
}

// RenderCrontab produces the crontab block launching each role for each
// registered project. binPath is the orchestrator binary the entries
// invoke.
func RenderCrontab(cfg *config.ScheduleConfig, projects []store.Project, binPath string) (string, error) {
	if err := Validate(cfg); err != nil {
		return "", err
	}

	sorted := append([]store.Project(nil), projects...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString("# prd-orchestrator worker schedule (generated; edits will be overwritten)\n")
	for _, p := range sorted {
		for _, role := range lockfile.Roles {
			expr := Cadences(cfg)[role]
			fmt.Fprintf(&b, "%s %s run --role %s --project %q\n", expr, binPath, role, p.Path)
		}
	}
	return b.String(), nil
}
