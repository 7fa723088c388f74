// The harvester turns token-insert notifications into signed, batched email
// payload lines on standard output. A downstream sender consumes the stream
// through a pipe.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tokenflow/batch"
	"tokenflow/config"
	"tokenflow/db"
	"tokenflow/signer"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Printf("[ERROR] %v", err)
		return 1
	}

	sgn, err := signer.New(cfg.Key)
	for i := range cfg.Key {
		cfg.Key[i] = 0
	}
	if err != nil {
		logger.Printf("[ERROR] %v", err)
		return 1
	}
	defer sgn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("[WARN] signal %v received. exiting...", sig)
		cancel()
	}()

	loop := batch.New(batch.Config{
		Connect: func(ctx context.Context) (batch.Conn, error) {
			client, err := db.Connect(ctx, db.ClientConfig{
				ConnString: cfg.DatabaseURL,
				Channel:    cfg.Channel,
				Queue:      cfg.Queue,
				Signer:     sgn,
				Out:        os.Stdout,
				Logger:     logger,
			})
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		BatchLimit:       cfg.BatchLimit,
		BatchTimeout:     cfg.BatchTimeout,
		HealthcheckEvery: cfg.HealthcheckEvery,
		Logger:           logger,
	})

	if err := loop.Run(ctx); err != nil {
		logger.Printf("[ERROR] %v", err)
		return 1
	}
	return 0
}
