package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/prd-orchestrator/internal/claim"
	"github.com/hochfrequenz/prd-orchestrator/internal/config"
	"github.com/hochfrequenz/prd-orchestrator/internal/ledger"
	"github.com/hochfrequenz/prd-orchestrator/internal/lockfile"
	"github.com/hochfrequenz/prd-orchestrator/internal/notify"
	"github.com/hochfrequenz/prd-orchestrator/internal/prd"
	"github.com/hochfrequenz/prd-orchestrator/internal/projkey"
	"github.com/hochfrequenz/prd-orchestrator/internal/scan"
	"github.com/hochfrequenz/prd-orchestrator/internal/status"
	"github.com/hochfrequenz/prd-orchestrator/internal/store"
	"github.com/hochfrequenz/prd-orchestrator/internal/worker"
	"github.com/hochfrequenz/prd-orchestrator/tui"
)

var (
	projectFlag  string
	roleFlag     string
	jsonFlag     bool
	dryRunFlag   bool
	execFlag     string
	servePort    int
	projectName  string
	channelID    string
	historyLimit int
)

func init() {
	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Derive and print the project status snapshot",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&projectFlag, "project", ".", "project directory")
	statusCmd.Flags().BoolVar(&jsonFlag, "json", false, "emit JSON")
	rootCmd.AddCommand(statusCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one worker pass for a role",
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&projectFlag, "project", ".", "project directory")
	runCmd.Flags().StringVar(&roleFlag, "role", "executor", "worker role (executor|reviewer|auditor)")
	runCmd.Flags().StringVar(&execFlag, "exec", "", "override the executor command")
	rootCmd.AddCommand(runCmd)

	// clear-lock command
	clearLockCmd := &cobra.Command{
		Use:   "clear-lock",
		Short: "Remove a role's lock if its owner is dead",
		RunE:  runClearLock,
	}
	clearLockCmd.Flags().StringVar(&projectFlag, "project", ".", "project directory")
	clearLockCmd.Flags().StringVar(&roleFlag, "role", "executor", "worker role")
	rootCmd.AddCommand(clearLockCmd)

	// stop command
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Terminate the live worker holding a role's lock",
		RunE:  runStop,
	}
	stopCmd.Flags().StringVar(&projectFlag, "project", ".", "project directory")
	stopCmd.Flags().StringVar(&roleFlag, "role", "executor", "worker role")
	rootCmd.AddCommand(stopCmd)

	// retry command
	retryCmd := &cobra.Command{
		Use:   "retry ITEM",
		Short: "Move a completed item back to the pending area",
		Args:  cobra.ExactArgs(1),
		RunE:  runRetry,
	}
	retryCmd.Flags().StringVar(&projectFlag, "project", ".", "project directory")
	rootCmd.AddCommand(retryCmd)

	// migrate command
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import legacy flat-file state into the database",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "report what would be migrated without writing")
	migrateCmd.Flags().BoolVar(&jsonFlag, "json", false, "emit JSON")
	rootCmd.AddCommand(migrateCmd)

	// projects command group
	projectsCmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage registered projects",
	}
	addCmd := &cobra.Command{
		Use:   "add PATH",
		Short: "Register a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runProjectsAdd,
	}
	addCmd.Flags().StringVar(&projectName, "name", "", "display name (defaults to directory name)")
	addCmd.Flags().StringVar(&channelID, "channel", "", "notification channel id")
	projectsCmd.AddCommand(addCmd)
	projectsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		RunE:  runProjectsList,
	})
	projectsCmd.AddCommand(&cobra.Command{
		Use:   "remove PATH",
		Short: "Unregister a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runProjectsRemove,
	})
	rootCmd.AddCommand(projectsCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history ITEM",
		Short: "Show execution history for a work item",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&projectFlag, "project", ".", "project directory")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "show at most N records (0 = all)")
	rootCmd.AddCommand(historyCmd)

	// scan command
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Report work items added, removed or completed since the last scan",
		RunE:  runScan,
	}
	scanCmd.Flags().StringVar(&projectFlag, "project", ".", "project directory")
	scanCmd.Flags().BoolVar(&jsonFlag, "json", false, "emit JSON")
	rootCmd.AddCommand(scanCmd)

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the status dashboard",
		RunE:  runTUI,
	}
	tuiCmd.Flags().StringVar(&projectFlag, "project", ".", "project directory")
	rootCmd.AddCommand(tuiCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// components is the wiring every command shares: one store handle plus the
// coordination layers on top of it.
type components struct {
	cfg     *config.Config
	store   *store.Store
	locks   *lockfile.Manager
	claims  *claim.Store
	ledger  *ledger.Ledger
	builder *status.Builder
}

func openComponents() (*components, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.General.DatabasePath)
	if err != nil {
		return nil, err
	}
	locks := lockfile.NewManager(cfg.General.LockDir)
	claims := claim.NewStore(locks)
	return &components{
		cfg:     cfg,
		store:   st,
		locks:   locks,
		claims:  claims,
		ledger:  ledger.New(st, cfg.History.Retention),
		builder: status.NewBuilder(locks, claims, st),
	}, nil
}

func (c *components) Close() {
	c.store.Close()
}

func parseRole(s string) (lockfile.Role, error) {
	for _, r := range lockfile.Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q (expected executor, reviewer or auditor)", s)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	snap, err := c.builder.Snapshot(projectFlag)
	if err != nil {
		return err
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Printf("Project: %s (%s)\n", snap.ProjectPath, snap.ProjectKey)
	for _, r := range snap.Roles {
		if r.Running {
			fmt.Printf("  %-10s running (pid %d)\n", r.Role, r.PID)
		} else {
			fmt.Printf("  %-10s idle\n", r.Role)
		}
	}
	for _, removed := range snap.ClaimsRemoved {
		fmt.Printf("  reconciled orphaned claim: %s\n", removed)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tSTATE\tUNMET DEPS")
	for _, item := range snap.Items {
		deps := strings.Join(item.UnmetDependencies, ", ")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", item.Name, item.State, deps)
	}
	w.Flush()

	for _, warning := range snap.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	role, err := parseRole(roleFlag)
	if err != nil {
		return err
	}

	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	if role != lockfile.RoleExecutor {
		return runMaintenancePass(c, role)
	}

	command := c.cfg.General.ExecutorCommand
	if execFlag != "" {
		command = execFlag
	}

	runner := worker.NewRunner(c.locks, c.claims, c.store, c.ledger,
		commandExecutor(command), notify.FromConfig(c.cfg.Notifications.SlackWebhook))

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(c.cfg.General.RunTimeoutMin)*time.Minute)
	defer cancel()

	res, err := runner.Run(ctx, projectFlag)
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Printf("nothing to do: %s\n", res.Reason)
		return nil
	}
	if res.StaleCleaned != 0 {
		fmt.Printf("cleaned stale lock (pid %d)\n", res.StaleCleaned)
	}
	fmt.Printf("%s: %s (attempt %d, run %s)\n", res.Item, res.Outcome, res.Attempt, res.RunID)
	return nil
}

// runMaintenancePass is the reviewer/auditor cadence: hold the role lock,
// reconcile orphaned claims through a snapshot, and for the auditor also
// trim every item's history to the retention bound.
func runMaintenancePass(c *components, role lockfile.Role) error {
	key := projkey.Derive(projectFlag)
	acq, err := c.locks.Acquire(key, role)
	if err != nil {
		return err
	}
	if !acq.Acquired {
		fmt.Printf("nothing to do: %s already running (pid %d)\n", role, acq.OwnerPID)
		return nil
	}
	defer c.locks.Release(acq.Path)

	snap, err := c.builder.Snapshot(projectFlag)
	if err != nil {
		return err
	}
	for _, removed := range snap.ClaimsRemoved {
		fmt.Printf("reconciled orphaned claim: %s\n", removed)
	}

	if role == lockfile.RoleAuditor {
		canonical := projkey.Canonicalize(projectFlag)
		for _, item := range snap.Items {
			if err := c.ledger.Trim(canonical, item.Name, c.cfg.History.Retention); err != nil {
				return fmt.Errorf("trimming history for %s: %w", item.Name, err)
			}
		}
	}

	fmt.Printf("%s pass complete: %d items, %d claims reconciled\n",
		role, len(snap.Items), len(snap.ClaimsRemoved))
	return nil
}

// commandExecutor shells out to the configured executor command with the
// item path as the final argument, running in the project directory.
func commandExecutor(command string) worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, projectPath string, item *prd.Item) (int, error) {
		parts := strings.Fields(command)
		if len(parts) == 0 {
			return -1, fmt.Errorf("executor command not configured")
		}
		args := append(parts[1:], item.Path)

		proc := exec.CommandContext(ctx, parts[0], args...)
		proc.Dir = projectPath
		proc.Stdout = os.Stdout
		proc.Stderr = os.Stderr
		err := proc.Run()
		if err == nil {
			return 0, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), fmt.Errorf("%s exited %d", parts[0], exitErr.ExitCode())
		}
		return -1, err
	})
}

func runClearLock(cmd *cobra.Command, args []string) error {
	role, err := parseRole(roleFlag)
	if err != nil {
		return err
	}

	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := worker.ClearLock(c.locks, c.claims, projectFlag, role); err != nil {
		return err
	}
	fmt.Printf("cleared %s lock for %s\n", role, projectFlag)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	role, err := parseRole(roleFlag)
	if err != nil {
		return err
	}

	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := worker.Stop(c.locks, c.claims, projectFlag, role); err != nil {
		return err
	}
	fmt.Printf("stopped %s for %s\n", role, projectFlag)
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	if err := worker.Retry(projectFlag, args[0]); err != nil {
		return err
	}
	fmt.Printf("%s moved back to pending\n", args[0])
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.store.Migrate(c.cfg.General.LegacyStateDir, dryRunFlag)
	if err != nil {
		return err
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if result.AlreadyMigrated {
		fmt.Println("already migrated, nothing to do")
		return nil
	}
	verb := "migrated"
	if result.DryRun {
		verb = "would migrate"
	}
	fmt.Printf("%s %d projects, %d statuses, %d history records, %d bookmarks\n",
		verb, result.Projects, result.Statuses, result.HistoryRecords, result.Bookmarks)
	if result.BackupDir != "" {
		fmt.Printf("backup written to %s\n", result.BackupDir)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	return nil
}

func runProjectsAdd(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	path := projkey.Canonicalize(args[0])
	name := projectName
	if name == "" {
		name = filepath.Base(path)
	}
	if err := c.store.AddProject(store.Project{Name: name, Path: path, ChannelID: channelID}); err != nil {
		return err
	}
	fmt.Printf("registered %s (%s)\n", name, path)
	return nil
}

func runProjectsList(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	projects, err := c.store.ListProjects()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPATH\tKEY")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Path, projkey.Derive(p.Path))
	}
	return w.Flush()
}

func runProjectsRemove(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	path := projkey.Canonicalize(args[0])
	if err := c.store.RemoveProject(path); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", path)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	canonical := projkey.Canonicalize(projectFlag)
	records, err := c.ledger.Records(canonical, args[0])
	if err != nil {
		return err
	}
	if historyLimit > 0 && len(records) > historyLimit {
		records = records[:historyLimit]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tOUTCOME\tEXIT\tATTEMPT\tRUN")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			rec.Timestamp.Local().Format(time.RFC3339), rec.Outcome, rec.ExitCode, rec.Attempt, rec.RunID)
	}
	return w.Flush()
}

func runScan(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	change, err := scan.New(c.store).Scan(projectFlag)
	if err != nil {
		return err
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(change)
	}

	if change.Empty() {
		fmt.Println("no changes since last scan")
		return nil
	}
	for _, name := range change.Added {
		fmt.Printf("added:     %s\n", name)
	}
	for _, name := range change.Removed {
		fmt.Printf("removed:   %s\n", name)
	}
	for _, name := range change.Completed {
		fmt.Printf("completed: %s\n", name)
	}
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	project := projectFlag
	model := tui.NewModel(func() (*status.Snapshot, error) {
		return c.builder.Snapshot(project)
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
