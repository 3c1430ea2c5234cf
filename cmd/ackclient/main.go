// Command ackclient sends one message to an ackserver and prints the reply.
package main

import (
	"context"
	"flag"
	"fmt"
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
	fs := flag.NewFlagSet("ackclient", flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to an ini config file")
	host := fs.String("host", acksocket.DefaultHost, "Server IP address")
	port := fs.Int("port", acksocket.DefaultPort, "Server port")
	network := fs.String("network", "tcp", "tcp or udp")
	message := fs.String("message", string(acksocket.DefaultMessage), "Payload to send")
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
			cfg.Client.Host = *host
		case "port":
			cfg.Client.Port = *port
		case "network":
			cfg.Client.Network = *network
		case "message":
			cfg.Client.Message = *message
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})

	if err = cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: invalid config: %v\n", err)
		return acksocket.ExitConfig
	}

	logger := logging.New(os.Stderr, cfg.Log.Level).WithComponent("ackclient")

	client := acksocket.NewClient(
		acksocket.ClientLoggerOption(logger),
		acksocket.ClientOutputOption(os.Stdout),
	)

	cc := cfg.Client
	proto, _ := config.ParseNetwork(cc.Network)
	exchange := client.Run
	if proto == "udp" {
		exchange = client.RunUDP
	}

	_, err = exchange(ctx, cc.Host, cc.Port, []byte(cc.Message))
	code := acksocket.ExitStatus(err)
	if code != acksocket.ExitOK {
		logger.Error("exchange failed", "kind", acksocket.KindOf(err).String(), "exit_status", int(code), "error", err)
	}
	return code
}
