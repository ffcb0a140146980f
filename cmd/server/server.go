package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"matchcore/internal/config"
	"matchcore/internal/engine"
	"matchcore/internal/journal"
	"matchcore/internal/logging"
	"matchcore/internal/net"
	"matchcore/internal/publisher"
	"matchcore/internal/sequencer"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("unable to set up logging")
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("exchange stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	t, ctx := tomb.WithContext(ctx)
	eng := engine.New()

	// Replay the trade ledger so sequence numbers continue where they left off.
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Error().Err(err).Msg("unable to close journal")
			}
		}()

		trades, err := j.Trades()
		if err != nil {
			return err
		}
		eng.Restore(trades)
		eng.AddListener(j)
		log.Info().
			Str("path", cfg.Journal.Path).
			Int("trades", len(trades)).
			Msg("journal restored")
	}

	if cfg.Kafka.Enabled {
		pub := publisher.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		eng.AddListener(pub)
		pub.Start(t)
		log.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.Topic).
			Msg("publishing trades")
	}

	seq := sequencer.New(eng,
		sequencer.WithQueueSize(cfg.Sequencer.QueueSize),
		sequencer.WithSubmitTimeout(cfg.Sequencer.SubmitTimeout),
	)

	// Setup the TCP server in front of the sequencer.
	srv := net.New(cfg.Server.Address, cfg.Server.Port, seq,
		net.WithWorkers(cfg.Server.Workers),
		net.WithReadTimeout(cfg.Server.ReadTimeout),
	)
	eng.AddListener(srv)

	seq.Start(t)
	t.Go(func() error {
		return srv.Run(ctx)
	})

	log.Info().Str("address", cfg.Server.ListenAddress()).Msg("exchange starting")

	// Block until a signal or a fatal error, then let everything drain.
	<-t.Dying()
	err := t.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
