// Command ackserver listens for connections, prints the single message each
// peer sends and answers it with "ACK".
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Zereker/acksocket"
	"github.com/Zereker/acksocket/internal/config"
	"github.com/Zereker/acksocket/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(int(code))
}

func run(ctx context.Context, args []string) acksocket.ExitCode {
	fs := flag.NewFlagSet("ackserver", flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to an ini config file")
	host := fs.String("host", "", "Bind address, empty for all interfaces")
	port := fs.Int("port", acksocket.DefaultPort, "Listen port")
	network := fs.String("network", "tcp", "tcp or udp")
	mode := fs.String("mode", acksocket.DispatchConcurrent.String(), "Dispatch mode: concurrent or serial")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return acksocket.ExitUsage
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		return acksocket.ExitConfig
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Server.Host = *host
		case "port":
			cfg.Server.Port = *port
		case "network":
			cfg.Server.Network = *network
		case "mode":
			cfg.Server.Mode = *mode
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})

	if err = cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: invalid config: %v\n", err)
		return acksocket.ExitConfig
	}

	logger := logging.New(os.Stderr, cfg.Log.Level).WithComponent("ackserver")

	err = serve(ctx, cfg.Server, logger)
	code := acksocket.ExitStatus(err)
	if code != acksocket.ExitOK {
		logger.Error("server terminated", "kind", acksocket.KindOf(err).String(), "exit_status", int(code), "error", err)
	}
	return code
}

func serve(ctx context.Context, sc config.ServerConf, logger *logging.Logger) error {
	mode, _ := acksocket.ParseDispatchMode(sc.Mode)
	network, _ := config.ParseNetwork(sc.Network)
	ip := sc.BindIP()

	opts := []acksocket.ServerOption{
		acksocket.ServerLoggerOption(logger),
		acksocket.BacklogOption(sc.Backlog),
		acksocket.DispatchOption(mode),
		acksocket.MaxWorkersOption(sc.MaxWorkers),
	}
	handler := acksocket.NewAckHandler(os.Stdout, logger.WithComponent("handler"))

	logger.Info("starting", "network", network, "mode", mode.String(), "port", sc.Port)

	if network == "udp" {
		server, err := acksocket.ListenUDP(&net.UDPAddr{IP: ip, Port: sc.Port}, opts...)
		if err != nil {
			return err
		}
		return server.Serve(ctx, handler)
	}

	server, err := acksocket.New(&net.TCPAddr{IP: ip, Port: sc.Port}, opts...)
	if err != nil {
		return err
	}
	return server.Serve(ctx, handler)
}
