// Command init-servo assigns bus IDs to servos one at a time. It watches
// the bus; whenever exactly one servo is attached it prompts for a new ID
// and writes it. Attach a servo, give it an ID, swap in the next.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/Cogni-Robot/init-servo/internal/config"
	"github.com/Cogni-Robot/init-servo/internal/logging"
	"github.com/Cogni-Robot/init-servo/internal/watch"
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

	w := watch.New(watch.Config{
		Open: func() (*st3215.Bus, error) {
			return st3215.NewBus(st3215.BusConfig{
				Port:          cfg.Serial.Port,
				BaudRate:      cfg.Serial.BaudRate,
				Timeout:       cfg.Serial.Timeout,
				MinCommandGap: cfg.Serial.CommandGap,
			})
		},
		StartID:           cfg.Scan.StartID,
		EndID:             cfg.Scan.EndID,
		PollInterval:      cfg.Watch.PollInterval,
		ReconnectInterval: cfg.Watch.ReconnectInterval,
	}, log)

	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("watcher stopped", zap.Error(err))
		}
	}()

	fmt.Printf("watching %s; attach one servo at a time, ctrl-c to quit\n", cfg.Serial.Port)

	stdin := bufio.NewScanner(os.Stdin)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.Events():
			for _, id := range ev.Removed {
				fmt.Printf("servo %d detached\n", id)
			}

			if len(ev.Roster) == 0 {
				continue
			}
			if len(ev.Roster) > 1 {
				fmt.Printf("%d servos attached; detach all but one to assign an ID\n", len(ev.Roster))
				continue
			}

			cur := ev.Roster[0]
			fmt.Printf("servo %d attached: %s\n", cur.ID, describe(cur))

			newID, ok := promptID(stdin, cur.ID)
			if !ok {
				continue
			}
			if newID == cur.ID {
				fmt.Printf("servo already has ID %d\n", cur.ID)
				continue
			}

			err := w.Do(func(bus *st3215.Bus) error {
				s := st3215.NewServo(bus, cur.ID, cur.Model)
				if err := s.SetID(ctx, newID); err != nil {
					return err
				}
				// Confirm the servo answers on its new ID
				return bus.Ping(ctx, newID)
			})
			if err != nil {
				log.Error("ID change failed",
					zap.Int("from", cur.ID),
					zap.Int("to", newID),
					zap.Error(err))
				continue
			}

			fmt.Printf("servo %d is now servo %d\n", cur.ID, newID)
		}
	}
}

func describe(f st3215.FoundServo) string {
	if f.Model != nil {
		return fmt.Sprintf("%s (model %d)", f.Model.Name, f.ModelNumber)
	}
	if f.ModelNumber != 0 {
		return fmt.Sprintf("model %d", f.ModelNumber)
	}
	return "unknown model"
}

func promptID(in *bufio.Scanner, current int) (int, bool) {
	fmt.Printf("new ID for servo %d (0-%d, empty to skip): ", current, st3215.MaxServoID)
	if !in.Scan() {
		return 0, false
	}

	line := strings.TrimSpace(in.Text())
	if line == "" {
		return 0, false
	}

	id, err := strconv.Atoi(line)
	if err != nil || id < 0 || id > int(st3215.MaxServoID) {
		fmt.Printf("%q is not a valid servo ID\n", line)
		return 0, false
	}
	return id, true
}
