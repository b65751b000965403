// flowline runs the execution layer of a workflow: a self-hosted cluster
// of workers plus a status API over the persisted task history.
// Usage: flowline workers
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mbrandal/flowline/internal/api"
	"github.com/mbrandal/flowline/internal/backend"
	"github.com/mbrandal/flowline/internal/backend/local"
	"github.com/mbrandal/flowline/internal/backend/slurm"
	"github.com/mbrandal/flowline/internal/backend/torque"
	"github.com/mbrandal/flowline/internal/cluster"
	"github.com/mbrandal/flowline/internal/config"
	"github.com/mbrandal/flowline/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "workers":
		if err := runWorkers(); err != nil {
			log.Fatalf("flowline workers: %v", err)
		}
	case "backends":
		for _, name := range newRegistry().List() {
			fmt.Println(name)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: flowline <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  workers    start a local cluster of workers")
	fmt.Fprintln(os.Stderr, "  backends   list the available backends")
}

// newRegistry registers every built-in backend.
func newRegistry() *backend.Registry {
	reg := backend.NewRegistry()
	reg.Register(local.Name, local.New)
	reg.Register(slurm.Name, slurm.New)
	reg.Register(torque.Name, torque.New)
	return reg
}

func runWorkers() error {
	workingDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	cfg, err := config.Load(workingDir)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("flowline: starting workers",
		"host", cfg.Host,
		"port", cfg.Port,
		"workers", cfg.Workers,
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
	)

	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(workingDir, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cl := cluster.NewCluster(cfg.Host, cfg.Port, cfg.Workers, db, logger)
	if err := cl.Server().Listen(); err != nil {
		return err
	}

	statusSrv := api.NewServer(cfg.HTTPAddr, db, newRegistry(), cl.Server(), logger)
	statusErr := make(chan error, 1)
	go func() {
		statusErr <- statusSrv.Run(ctx)
	}()

	if err := cl.Start(ctx); err != nil {
		return err
	}
	if err := <-statusErr; err != nil {
		logger.Error("status server failed", "error", err)
	}

	logger.Info("flowline: stopped")
	return nil
}
