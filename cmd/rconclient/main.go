package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"battleye-rcon/battleye"
	"battleye-rcon/config"
	"battleye-rcon/httpstatus"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.0.0"

func main() {
	var configPath string
	var httpAddr string

	root := &cobra.Command{
		Use:   "rconclient",
		Short: "Interactive BattlEye RCon client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, httpAddr)
		},
	}
	root.Flags().StringVar(&configPath, "config", "rcon.cfg", "Path to RCon config file")
	root.Flags().StringVar(&httpAddr, "http", "", "Optional address (e.g. :8080) to serve connection status over HTTP")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(configPath, httpAddr string) error {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Infof("Starting rconclient v%s", Version)
	log.Infof("  Target: %s:%d", cfg.IP, cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	mux := battleye.NewMultiplexer(battleye.DefaultIP, battleye.DefaultPort, nil, log.StandardLogger())

	conn, err := mux.Connection(cfg.IP, cfg.Port, cfg.Password, battleye.DefaultConfig(), true)
	if err != nil {
		return fmt.Errorf("register connection: %w", err)
	}

	events := conn.Subscribe(32)
	defer conn.Unsubscribe(events)
	go logEvents(ctx, events)

	if httpAddr != "" {
		statusSrv := httpstatus.New(portFromAddr(httpAddr), mux)
		go func() {
			if err := statusSrv.Run(ctx); err != nil {
				log.WithError(err).Warn("httpstatus server stopped")
			}
		}()
	}

	go func() {
		if err := mux.Listen(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Fatal("multiplexer stopped")
		}
	}()

	readCommands(ctx, conn)
	return nil
}

// logEvents logs message, command-reply, connection-lifecycle and error
// events through the standard logrus logger (which writes to stderr)
// instead of wiring a dedicated UI.
func logEvents(ctx context.Context, events chan battleye.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case battleye.EventMessage:
				log.Infof("[server] %s", ev.Text)
			case battleye.EventCommand:
				if ev.Resolved {
					log.Infof("[reply] %s", ev.Text)
				}
			case battleye.EventConnected:
				log.Info("connected")
			case battleye.EventDisconnected:
				log.WithError(ev.Reason).Warn("disconnected")
			case battleye.EventError:
				log.WithError(ev.Err).Warn("error")
			}
		}
	}
}

// readCommands reads admin commands from stdin and issues each as an
// RCon command on conn, printing the resolved reply or error.
func readCommands(ctx context.Context, conn *battleye.Connection) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		command := scanner.Text()
		if command == "" {
			continue
		}

		resp, err := conn.Command(ctx, command)
		if err != nil {
			log.WithError(err).Warn("command failed")
			continue
		}
		fmt.Println(resp.Data)
	}
}

func portFromAddr(addr string) int {
	var port int
	if _, err := fmt.Sscanf(addr, ":%d", &port); err != nil {
		return 0
	}
	return port
}
