// Command servo-shell is an interactive console for poking at servos on
// the configured bus: scan the bus, read telemetry, move servos, assign
// IDs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/abiosoft/ishell/v2"
	"go.uber.org/zap"

	"github.com/Cogni-Robot/init-servo/internal/config"
	"github.com/Cogni-Robot/init-servo/internal/logging"
	"github.com/Cogni-Robot/init-servo/internal/watch"
	"github.com/Cogni-Robot/init-servo/st3215"
)

// Servos older than this miss instructions during fast command bursts.
const firmwareConstraint = ">=3.0.0"

const (
	maxPosition = 4095
	maxSpeed    = 3400
	maxAccel    = 254

	defaultSpeed = 2400
	defaultAccel = 50
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

	ctx := context.Background()

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

	shell := ishell.New()
	shell.Printf("servo shell on %s at %d baud\n", cfg.Serial.Port, cfg.Serial.BaudRate)

	shell.AddCmd(&ishell.Cmd{
		Name: "scan",
		Help: "scan the bus for servos",
		Func: func(c *ishell.Context) {
			found, err := bus.Scan(ctx, cfg.Scan.StartID, cfg.Scan.EndID)
			if err != nil {
				c.Err(err)
				return
			}
			if len(found) == 0 {
				c.Println("no servos found")
				return
			}
			for _, f := range found {
				name := "unknown"
				if f.Model != nil {
					name = f.Model.Name
				}
				c.Printf("%3d  %s (model %d)\n", f.ID, name, f.ModelNumber)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "ping",
		Help: "ping <id>",
		Func: func(c *ishell.Context) {
			id, ok := argID(c)
			if !ok {
				return
			}
			if err := bus.Ping(ctx, id); err != nil {
				c.Err(err)
				return
			}
			c.Printf("servo %d ok\n", id)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "pos",
		Help: "pos <id>",
		Func: func(c *ishell.Context) {
			id, ok := argID(c)
			if !ok {
				return
			}
			pos, err := st3215.NewServo(bus, id, nil).Position(ctx)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(pos)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "move",
		Help: "move <id> <pos> [speed] [accel]",
		Func: func(c *ishell.Context) {
			id, ok := argID(c)
			if !ok {
				return
			}
			if len(c.Args) < 2 {
				c.Err(errors.New("target position required"))
				return
			}

			pos, err := parseInt(c.Args[1], 0, maxPosition)
			if err != nil {
				c.Err(err)
				return
			}

			speed := defaultSpeed
			if len(c.Args) >= 3 {
				if speed, err = parseInt(c.Args[2], 0, maxSpeed); err != nil {
					c.Err(err)
					return
				}
			}

			accel := defaultAccel
			if len(c.Args) >= 4 {
				if accel, err = parseInt(c.Args[3], 0, maxAccel); err != nil {
					c.Err(err)
					return
				}
			}

			servo := st3215.NewServo(bus, id, nil)
			if err := servo.Enable(ctx); err != nil {
				c.Err(err)
				return
			}
			if err := servo.MoveTo(ctx, pos, speed, accel); err != nil {
				c.Err(err)
				return
			}
			c.Printf("servo %d moving to %d\n", id, pos)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "speed",
		Help: "speed <id>  (present velocity in steps/s, signed)",
		Func: func(c *ishell.Context) {
			id, ok := argID(c)
			if !ok {
				return
			}
			v, err := st3215.NewServo(bus, id, nil).Velocity(ctx)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(v)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "temp",
		Help: "temp <id>",
		Func: func(c *ishell.Context) {
			id, ok := argID(c)
			if !ok {
				return
			}
			t, err := st3215.NewServo(bus, id, nil).Temperature(ctx)
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%d°C\n", t)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "volt",
		Help: "volt <id>",
		Func: func(c *ishell.Context) {
			id, ok := argID(c)
			if !ok {
				return
			}
			v, err := st3215.NewServo(bus, id, nil).Voltage(ctx)
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%.1f V\n", float64(v)/10)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "current",
		Help: "current <id>",
		Func: func(c *ishell.Context) {
			id, ok := argID(c)
			if !ok {
				return
			}
			raw, err := st3215.NewServo(bus, id, nil).Current(ctx)
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%.1f mA\n", float64(raw)*6.5)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "load",
		Help: "load <id>  (signed, tenths of a percent)",
		Func: func(c *ishell.Context) {
			id, ok := argID(c)
			if !ok {
				return
			}
			l, err := st3215.NewServo(bus, id, nil).Load(ctx)
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%.1f%%\n", float64(l)/10)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "torque",
		Help: "torque <id> on|off",
		Func: func(c *ishell.Context) {
			id, ok := argID(c)
			if !ok {
				return
			}
			if len(c.Args) < 2 || (c.Args[1] != "on" && c.Args[1] != "off") {
				c.Err(errors.New("usage: torque <id> on|off"))
				return
			}
			enable := c.Args[1] == "on"
			if err := st3215.NewServo(bus, id, nil).SetTorqueEnabled(ctx, enable); err != nil {
				c.Err(err)
				return
			}
			c.Printf("servo %d torque %s\n", id, c.Args[1])
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "setid",
		Help: "setid <old> <new>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(errors.New("usage: setid <old> <new>"))
				return
			}
			oldID, err := parseInt(c.Args[0], 0, int(st3215.MaxServoID))
			if err != nil {
				c.Err(err)
				return
			}
			newID, err := parseInt(c.Args[1], 0, int(st3215.MaxServoID))
			if err != nil {
				c.Err(err)
				return
			}

			servo := st3215.NewServo(bus, oldID, nil)
			if err := servo.SetID(ctx, newID); err != nil {
				c.Err(err)
				return
			}
			if err := bus.Ping(ctx, newID); err != nil {
				c.Err(fmt.Errorf("ID written but servo not answering on %d: %w", newID, err))
				return
			}
			c.Printf("servo %d is now servo %d\n", oldID, newID)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "info <id>",
		Func: func(c *ishell.Context) {
			id, ok := argID(c)
			if !ok {
				return
			}

			servo := st3215.NewServo(bus, id, nil)
			if err := servo.DetectModel(ctx); err != nil {
				log.Debug("model detect failed", zap.Int("id", id), zap.Error(err))
			}
			c.Printf("servo %d: %s\n", id, servo.Model().Name)

			if fw, err := servo.FirmwareVersion(ctx); err == nil {
				c.Printf("  firmware: %s\n", fw)
				if err := servo.CheckFirmware(ctx, firmwareConstraint); err != nil {
					c.Printf("  firmware check: %v\n", err)
				}
			}
			if pos, err := servo.Position(ctx); err == nil {
				c.Printf("  position: %d\n", pos)
			}
			if v, err := servo.Voltage(ctx); err == nil {
				c.Printf("  voltage: %.1f V\n", float64(v)/10)
			}
			if t, err := servo.Temperature(ctx); err == nil {
				c.Printf("  temperature: %d°C\n", t)
			}
			if moving, err := servo.Moving(ctx); err == nil {
				c.Printf("  moving: %v\n", moving)
			}
			if enabled, err := servo.TorqueEnabled(ctx); err == nil {
				c.Printf("  torque: %v\n", enabled)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "stats",
		Help: "show bus communication counters",
		Func: func(c *ishell.Context) {
			snap := bus.Stats().Snapshot()
			c.Printf("packets sent:     %d\n", snap.PacketsSent)
			c.Printf("packets received: %d\n", snap.PacketsReceived)
			c.Printf("bytes written:    %d\n", snap.BytesWritten)
			c.Printf("bytes read:       %d\n", snap.BytesRead)
			c.Printf("timeouts:         %d\n", snap.Timeouts)
			c.Printf("checksum errors:  %d\n", snap.ChecksumErrors)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "watch",
		Help: "report servos appearing and disappearing until enter is pressed",
		Func: func(c *ishell.Context) {
			c.ShowPrompt(false)
			defer c.ShowPrompt(true)
			c.Println("watching, press enter to stop")

			stop := make(chan struct{})
			done := make(chan struct{})

			go func() {
				defer close(done)
				ticker := time.NewTicker(cfg.Watch.PollInterval)
				defer ticker.Stop()

				var prev []int
				for {
					roster, err := bus.Scan(ctx, cfg.Scan.StartID, cfg.Scan.EndID)
					if err != nil {
						c.Err(err)
						return
					}

					ids := make([]int, len(roster))
					for i, f := range roster {
						ids[i] = f.ID
					}

					added, removed := watch.Diff(prev, ids)
					for _, id := range added {
						c.Printf("+ servo %d\n", id)
					}
					for _, id := range removed {
						c.Printf("- servo %d\n", id)
					}
					prev = ids

					select {
					case <-stop:
						return
					case <-ticker.C:
					}
				}
			}()

			c.ReadLine()
			close(stop)
			<-done
		},
	})

	shell.Run()
}

func argID(c *ishell.Context) (int, bool) {
	if len(c.Args) < 1 {
		c.Err(errors.New("servo ID required"))
		return 0, false
	}
	id, err := parseInt(c.Args[0], 0, int(st3215.MaxServoID))
	if err != nil {
		c.Err(err)
		return 0, false
	}
	return id, true
}

func parseInt(s string, min, max int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%d out of range %d-%d", v, min, max)
	}
	return v, nil
}
