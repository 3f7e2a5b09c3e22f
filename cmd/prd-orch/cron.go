package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/prd-orchestrator/internal/cronspec"
	"github.com/hochfrequenz/prd-orchestrator/internal/lockfile"
)

var applyCron bool

func init() {
	installCronCmd := &cobra.Command{
		Use:   "install-cron",
		Short: "Render crontab entries for every registered project",
		RunE:  runInstallCron,
	}
	installCronCmd.Flags().BoolVar(&applyCron, "apply", false, "install via crontab instead of printing")
	rootCmd.AddCommand(installCronCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "next-runs",
		Short: "Show when each role next runs under the configured cadences",
		RunE:  runNextRuns,
	})
}

func runInstallCron(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := cronspec.Validate(&c.cfg.Schedule); err != nil {
		return err
	}

	binPath, err := os.Executable()
	if err != nil {
		return err
	}

	projects, err := c.store.ListProjects()
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		return fmt.Errorf("no projects registered; run 'prd-orch projects add' first")
	}

	crontab, err := cronspec.RenderCrontab(&c.cfg.Schedule, projects, binPath)
	if err != nil {
		return err
	}

	if !applyCron {
		fmt.Print(crontab)
		return nil
	}

	install := exec.Command("crontab", "-")
	install.Stdin = strings.NewReader(crontab)
	install.Stdout = os.Stdout
	install.Stderr = os.Stderr
	if err := install.Run(); err != nil {
		return fmt.Errorf("installing crontab: %w", err)
	}
	fmt.Printf("installed cadences for %d projects\n", len(projects))
	return nil
}

func runNextRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	next, err := cronspec.NextRuns(&cfg.Schedule, time.Now())
	if err != nil {
		return err
	}
	for _, role := range lockfile.Roles {
		fmt.Printf("%-10s %s\n", role, next[role].Local().Format(time.RFC3339))
	}
	return nil
}
