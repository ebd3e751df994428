package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/Zereker/sigsock"
)

const (
	methodEcho      = "ECHO"
	methodEchoReply = "ECHO_REPLY"
)

func main() {
	var (
		configPath string
		mode       string
		message    string
		secret     string
		clientID   string
	)
	pflag.StringVarP(&configPath, "config", "c", "", "TOML config file")
	pflag.StringVarP(&mode, "mode", "m", "server", "server or client")
	pflag.StringVar(&message, "message", "hello", "text the client sends")
	pflag.StringVar(&secret, "secret", "", "shared secret (overrides config)")
	pflag.StringVar(&clientID, "id", "", "client id (overrides config)")
	pflag.Parse()

	cfg := sigsock.DefaultConfig()
	if configPath != "" {
		loaded, err := sigsock.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg = loaded
	}
	if secret != "" {
		cfg.Secret = secret
	}
	if clientID != "" {
		cfg.ClientID = clientID
	}

	level, err := cfg.ZerologLevel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("mode", mode).Logger()
	logger := sigsock.NewZerologLogger(zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "server":
		err = runServer(ctx, cfg, logger)
	case "client":
		err = runClient(ctx, cfg, logger, message)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		logger.Error("exit", "error", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg sigsock.Config, logger sigsock.Logger) error {
	addr, err := cfg.ServerAddr()
	if err != nil {
		return err
	}

	bus := sigsock.NewBus()
	opts := append(cfg.ServerOptions(),
		sigsock.ServerDispatcherOption(bus),
		sigsock.ServerLoggerOption(logger),
	)
	server, err := sigsock.NewServer(addr, opts...)
	if err != nil {
		return err
	}

	bus.Subscribe(sigsock.EventClientConnect, func(params ...any) {
		if client, ok := params[0].(*sigsock.RegisteredClient); ok {
			logger.Info("client joined", "client_id", client.ID, "client_type", client.Type)
		}
	})
	bus.Subscribe(sigsock.EventReceive, func(params ...any) {
		client, _ := params[0].(*sigsock.RegisteredClient)
		rec, _ := params[1].(sigsock.Record)
		if client == nil || rec.Method() != methodEcho {
			return
		}
		reply := sigsock.NewRecord(methodEchoReply, "TEXT", rec.String("TEXT"))
		if err := server.SendToClientID(client.ID, reply); err != nil {
			logger.Warn("echo failed", "client_id", client.ID, "error", err)
		}
	})

	return server.Serve(ctx)
}

func runClient(ctx context.Context, cfg sigsock.Config, logger sigsock.Logger, message string) error {
	opts := append(cfg.ClientOptions(), sigsock.ClientLoggerOption(logger))
	client, err := sigsock.NewClient(opts...)
	if err != nil {
		return err
	}

	connected := make(chan struct{}, 1)
	client.Dispatcher().Subscribe(sigsock.EventConnect, func(...any) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})

	if err := client.Connect(ctx, cfg.Address()); err != nil {
		return err
	}
	defer client.Disconnect()

	select {
	case <-connected:
	case <-ctx.Done():
		return nil
	}

	reply, err := client.SendAndWait(ctx, sigsock.NewRecord(methodEcho, "TEXT", message), methodEchoReply, 0)
	if err != nil {
		return err
	}
	logger.Info("echo reply", "text", reply.String("TEXT"))
	return nil
}
