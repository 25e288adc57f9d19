package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/intentrelay/inference"
	"github.com/hrygo/intentrelay/internal/profile"
	"github.com/hrygo/intentrelay/internal/version"
	"github.com/hrygo/intentrelay/metrics"
	"github.com/hrygo/intentrelay/relay"
	"github.com/hrygo/intentrelay/routing"
	"github.com/hrygo/intentrelay/server"
)

var rootCmd = &cobra.Command{
	Use:   "intentrelay",
	Short: `Routes user queries through rule-based intent classification and escalates ambiguous ones to deeper review.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Load .env from the current directory when present.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}

		setupLogging(instanceProfile)

		if err := run(instanceProfile); err != nil {
			slog.Error("server exited with error", "error", err)
			os.Exit(1)
		}
	},
}

func run(p *profile.Profile) error {
	exporter := metrics.NewExporter()

	guard := relay.NewGuard(p.IdempotencyTTL, p.IdempotencyOn)
	publisher, err := relay.NewPublisher(relay.Config{
		Broker: relay.BrokerConfig{
			Host:           p.BrokerHost,
			Port:           p.BrokerPort,
			Username:       p.BrokerUsername,
			Password:       p.BrokerPassword,
			VHost:          p.BrokerVHost,
			Exchange:       p.Exchange,
			ExchangeType:   p.ExchangeType,
			Queue:          p.Queue,
			RoutingKey:     p.RoutingKey,
			PriorityLevels: p.PriorityLevels,
		},
		BatchSize:     p.BatchSize,
		BatchTimeout:  p.BatchTimeout,
		Serialization: p.Serialization,
	}, guard, relay.WithObserver(exporter))
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}

	client := inference.NewClient(&inference.Config{
		Provider:    p.LLMProvider,
		Model:       p.LLMModel,
		APIKey:      p.LLMAPIKey,
		BaseURL:     p.LLMBaseURL,
		Timeout:     p.LLMTimeout,
		MaxRetries:  p.MaxRetries,
		BaseBackoff: p.BaseBackoff,
		MaxQPS:      p.MaxQPS,
	})

	gate := routing.NewGate(routing.GateConfig{
		LowConfidenceThreshold: p.LowConfidenceThreshold,
		MinGapThreshold:        p.MinGapThreshold,
	})

	var source routing.KeywordSource
	dictionary, err := routing.LoadDictionary(p.DictionaryPath)
	if err != nil {
		slog.Warn("keyword dictionary unavailable, all queries will escalate", "path", p.DictionaryPath, "error", err)
	} else {
		source = dictionary
	}
	classifier := routing.NewClassifier(source, gate)

	s := server.NewServer(p, classifier, gate, publisher, client, exporter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, terminationSignals...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-c:
			slog.Info("shutdown signal received")
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "error", err)
		}
		if err := publisher.Stop(10 * time.Second); err != nil {
			slog.Warn("publisher stop error", "error", err)
		}
		cancel()
		return nil
	})

	fmt.Printf("intentrelay %s started on %s:%d\n", p.Version, p.Addr, p.Port)
	return g.Wait()
}

func setupLogging(p *profile.Profile) {
	var handler slog.Handler
	if p.IsDev() {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	slog.SetDefault(slog.New(handler))
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28091)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28091, "port of server")

	for _, flag := range []string{"mode", "addr", "port"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("intentrelay")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
