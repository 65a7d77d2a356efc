// Command list-servos scans the configured bus and prints the ID of every
// servo that answers, one per line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Cogni-Robot/init-servo/internal/config"
	"github.com/Cogni-Robot/init-servo/internal/logging"
	"github.com/Cogni-Robot/init-servo/st3215"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := st3215.NewBus(st3215.BusConfig{
		Port:          cfg.Serial.Port,
		BaudRate:      cfg.Serial.BaudRate,
		Timeout:       cfg.Serial.Timeout,
		MinCommandGap: cfg.Serial.CommandGap,
	})
	if err != nil {
		log.Fatal("open bus", zap.Error(err))
	}
	defer bus.Close()

	log.Info("scanning bus",
		zap.String("port", cfg.Serial.Port),
		zap.Int("baud", cfg.Serial.BaudRate))

	ids, err := bus.ListServos(ctx)
	if err != nil {
		log.Fatal("scan aborted", zap.Error(err), zap.Ints("found", ids))
	}

	if len(ids) == 0 {
		log.Info("no servos found")
		return
	}

	for _, id := range ids {
		fmt.Println(id)
	}
}
