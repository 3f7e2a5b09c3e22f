package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/prd-orchestrator/internal/watch"
	"github.com/hochfrequenz/prd-orchestrator/web/api"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP status API",
		Long: `Serves JSON snapshots for every registered project and pushes change
events over SSE and websocket whenever work-item files move.`,
		RunE: runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := openComponents()
	if err != nil {
		return err
	}
	defer c.Close()

	port := servePort
	if port == 0 {
		port = c.cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.Web.Host, port)

	server := api.NewServer(c.builder, c.store, addr)

	watcher, err := watch.New(func(projectPath string, changedFiles []string) {
		snap, err := c.builder.Snapshot(projectPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "snapshot after change in %s: %v\n", projectPath, err)
			return
		}
		server.Broadcast(api.Event{Type: "snapshot", Data: snap})
	})
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer watcher.Stop()

	projects, err := c.store.ListProjects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		if err := watcher.AddProject(p.Path); err != nil {
			fmt.Fprintf(os.Stderr, "watching %s: %v\n", p.Path, err)
		}
	}
	watcher.Start()

	fmt.Printf("status API listening on http://%s\n", addr)
	return server.Start()
}
