package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Cluster composes one scheduler server with a pool of workers, each on
// its own goroutine, connecting back to the server over the wire protocol.
// This is the runtime behind the `flowline workers` command.
type Cluster struct {
	host       string
	port       int
	numWorkers int
	history    History
	logger     *slog.Logger

	server *Server
	wg     sync.WaitGroup
}

// NewCluster creates a cluster runtime. history may be nil.
func NewCluster(host string, port, numWorkers int, history History, logger *slog.Logger) *Cluster {
	return &Cluster{
		host:       host,
		port:       port,
		numWorkers: numWorkers,
		history:    history,
		logger:     logger,
		server:     NewServer(host, port, history, logger),
	}
}

// Server returns the underlying scheduler server.
func (c *Cluster) Server() *Server {
	return c.server
}

// Start brings up the server, connects the workers, and blocks until ctx
// is cancelled. It then shuts the server down and waits for the run loop
// and every worker to finish.
func (c *Cluster) Start(ctx context.Context) error {
	if err := c.server.Listen(); err != nil {
		return err
	}
	go c.server.Run()

	port := c.server.Port()
	for num := 0; num < c.numWorkers; num++ {
		workerID := fmt.Sprintf("Worker%d", num)
		worker, err := ConnectWorker(workerID, c.host, port, c.logger)
		if err != nil {
			c.server.Shutdown()
			<-c.server.Done()
			return fmt.Errorf("connect %s: %w", workerID, err)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := worker.Start(); err != nil {
				c.logger.Error("worker stopped", "worker_id", workerID, "error", err)
			}
		}()
	}
	c.logger.Info("cluster started", "workers", c.numWorkers, "host", c.host, "port", port)

	<-ctx.Done()

	c.server.Shutdown()
	<-c.server.Done()
	c.wg.Wait()
	c.logger.Info("cluster stopped")
	return nil
}
