// HomeSync Agent - terminal client for a HomeSync server.
//
// The agent logs in, keeps a reconnecting session and prints every device
// change it reconciles. With -device and -command it sends one control and
// reports the outcome.
//
// Usage:
//
//	homesync-agent -server http://homesync.local:8080 -user alice -watch
//	homesync-agent -user alice -device light-1 -command setBrightness -value 40
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/homesync-core/internal/agent"
	"github.com/nerrad567/homesync-core/internal/device"
	"github.com/nerrad567/homesync-core/internal/infrastructure/config"
	"github.com/nerrad567/homesync-core/internal/infrastructure/logging"
	"github.com/nerrad567/homesync-core/internal/protocol"
)

var version = "dev"

const (
	settleTimeout  = 5 * time.Second
	pollInterval   = 50 * time.Millisecond
	passwordEnvVar = "HOMESYNC_PASSWORD"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	server   string
	username string
	password string
	deviceID string
	command  string
	value    string
	watch    bool
	logLevel string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("homesync-agent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.server, "server", "http://localhost:8080", "server base URL")
	fs.StringVar(&o.username, "user", "", "username")
	fs.StringVar(&o.password, "password", "", "password (default $"+passwordEnvVar+")")
	fs.StringVar(&o.deviceID, "device", "", "device to control")
	fs.StringVar(&o.command, "command", "", "command to send, e.g. toggle or setBrightness")
	fs.StringVar(&o.value, "value", "", "command value as JSON; bare words are sent as strings")
	fs.BoolVar(&o.watch, "watch", false, "keep running and print changes")
	fs.StringVar(&o.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if o.password == "" {
		o.password = os.Getenv(passwordEnvVar)
	}
	if o.username == "" {
		return options{}, errors.New("-user is required")
	}
	if (o.deviceID == "") != (o.command == "") {
		return options{}, errors.New("-device and -command must be given together")
	}
	if o.command == "" && !o.watch {
		o.watch = true
	}
	return o, nil
}

// parseValue turns the -value flag into a command value. Valid JSON is sent
// as is; anything else is sent as a JSON string.
func parseValue(s string) any {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

// formatDevice renders one device as a single line.
func formatDevice(dev device.Device) string {
	attrs, err := json.Marshal(dev.Attributes)
	if err != nil {
		attrs = []byte("{}")
	}
	return fmt.Sprintf("%-20s %-11s %-8s seq=%-5d %s", dev.ID, dev.Type, dev.Status, dev.Sequence, attrs)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	log := logging.NewWithWriter(config.LoggingConfig{Level: o.logLevel, Format: "text"}, version, stderr)

	a, err := agent.New(agent.Options{
		BaseURL:  o.server,
		Username: o.username,
		Password: o.password,
		OnChange: func(dev device.Device) {
			if o.watch {
				fmt.Fprintln(stdout, formatDevice(dev))
			}
		},
		OnRemove: func(id string) {
			if o.watch {
				fmt.Fprintf(stdout, "%-20s removed\n", id)
			}
		},
		OnEvent: func(msg protocol.Message) {
			fmt.Fprintf(stdout, "%s: %s\n", msg.Type, msg.Payload)
		},
		Logger: log.Component("agent"),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(); err != nil {
		if !o.watch {
			return fmt.Errorf("connecting to %s: %w", o.server, err)
		}
		log.Warn("initial connect failed, retrying in background", "error", err)
	}

	if o.command != "" {
		if err := control(ctx, a, o, stdout); err != nil {
			return err
		}
	}

	if o.watch {
		<-ctx.Done()
	}
	return nil
}

// control sends one command once the device is known and waits for the
// server to acknowledge or reject it.
func control(ctx context.Context, a *agent.Agent, o options, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	if !waitFor(ctx, func() bool { _, ok := a.Device(o.deviceID); return ok }) {
		return fmt.Errorf("device %s not visible to %s", o.deviceID, o.username)
	}

	seq, err := a.Control(o.deviceID, o.command, parseValue(o.value))
	if err != nil {
		return fmt.Errorf("sending %s: %w", o.command, err)
	}

	if !waitFor(ctx, func() bool { return a.Pending() == 0 }) {
		return fmt.Errorf("no answer for %s (seq %d)", o.command, seq)
	}

	dev, ok := a.Device(o.deviceID)
	if !ok {
		return fmt.Errorf("device %s was removed", o.deviceID)
	}
	fmt.Fprintln(stdout, formatDevice(dev))
	return nil
}

func waitFor(ctx context.Context, cond func() bool) bool {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
