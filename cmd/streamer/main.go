package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/finsight/marketstream/internal/logger"
	"github.com/finsight/marketstream/internal/version"
	"github.com/finsight/marketstream/pkg/stream"
)

// streamAction is the core logic executed by the CLI command. It builds the
// streaming client, subscribes the requested symbols, and logs normalized
// ticks until interrupted.
func streamAction(ctx context.Context, cmd *cli.Command) error {
	var cfg stream.Config

	if path := cmd.String("config"); path != "" {
		loaded, err := stream.LoadConfigFile(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg = *loaded
	} else {
		cfg = stream.DefaultConfig()
	}

	if url := cmd.String("url"); url != "" {
		cfg.URL = url
	}

	if symbols := cmd.StringSlice("symbols"); len(symbols) > 0 {
		cfg.Symbols = symbols
	}

	if cmd.IsSet("max-retries") {
		cfg.MaxRetries = int(cmd.Int("max-retries"))
	}

	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("no symbols to stream: pass --symbols or set them in the config file")
	}

	var zlog *logger.Logger

	var err error
	if cmd.Bool("debug") {
		zlog, err = logger.NewDebugLogger()
	} else {
		zlog, err = logger.NewLogger()
	}

	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer zlog.Sync() //nolint:errcheck

	client, err := stream.NewClient(cfg, stream.WithLogger(zlog.Logger))
	if err != nil {
		return fmt.Errorf("failed to create streaming client: %w", err)
	}
	defer client.Close()

	client.OnTick(func(t stream.Tick) {
		zlog.Info("tick",
			zap.String("symbol", t.Symbol),
			zap.Float64("price", t.Price),
			zap.Float64("change", t.Change),
			zap.Float64("changePercent", t.ChangePercent),
			zap.Float64("volume", t.Volume),
			zap.Time("timestamp", t.Timestamp),
		)
	})

	client.OnStateChange(func(s stream.ConnectionState) {
		zlog.Info("connection state changed", zap.Stringer("state", s))
	})

	client.OnError(func(err error) {
		zlog.Error("stream error", zap.Error(err))
	})

	client.Connect()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sig:
	}

	stats := client.Stats()
	zlog.Info("shutting down",
		zap.Uint64("ticksDispatched", stats.TicksDispatched),
		zap.Uint64("decodeFailures", stats.DecodeFailures),
	)

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:    "streamer",
		Usage:   "Stream real-time quotes from the market data feed",
		Version: version.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
			},
			&cli.StringFlag{
				Name:    "url",
				Aliases: []string{"u"},
				Usage:   "Websocket URL of the quote feed (overrides config)",
			},
			&cli.StringSliceFlag{
				Name:    "symbols",
				Aliases: []string{"s"},
				Usage:   "Symbols to subscribe, e.g. AAPL,MSFT (overrides config)",
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Usage: "Consecutive failed connection attempts before giving up",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Human-readable debug logging",
			},
		},
		Action: streamAction,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
