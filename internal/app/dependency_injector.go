package app

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/Snapier494/mediacache/internal/consumer"
	"github.com/Snapier494/mediacache/internal/fingerprint"
	"github.com/Snapier494/mediacache/internal/imaging"
	"github.com/Snapier494/mediacache/internal/infra/config"
	"github.com/Snapier494/mediacache/internal/infra/fetch"
	"github.com/Snapier494/mediacache/internal/infra/stats"
	artifactstore "github.com/Snapier494/mediacache/internal/infra/store/artifact"
	"github.com/Snapier494/mediacache/internal/pipeline"
	mio "github.com/Snapier494/mediacache/libs/minio"
	natsq "github.com/Snapier494/mediacache/libs/nats"
	rediscli "github.com/Snapier494/mediacache/libs/redis"
)

const defaultCfgPath = "./configs/local.yaml"

type Consumer interface {
	Run(ctx context.Context)
	Stop(ctx context.Context)
}

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	store     artifactstore.Store
	processor *imaging.Processor
	fetcher   pipeline.Fetcher

	redis *redis.Client
	sink  pipeline.StatusSink

	natsConn *nats.Conn
	js       nats.JetStreamContext

	pipeline *pipeline.Pipeline
	consumer Consumer
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		path := os.Getenv("MEDIACACHE_CONFIG")
		if path == "" {
			path = defaultCfgPath
		}
		di.cfg = config.MustLoad(path)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		di.logger = slog.New(
			slog.NewTextHandler(
				os.Stdout,
				&slog.HandlerOptions{
					Level: slog.LevelInfo,
				},
			),
		)
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) Store(ctx context.Context) artifactstore.Store {
	if di.store == nil {
		cfg := di.Config()

		store, err := artifactstore.New(ctx, artifactstore.Options{
			URI:     cfg.StoreURI,
			BaseDir: cfg.BaseDir,
			MinIO: mio.Config{
				Endpoint:        cfg.MinIO.Endpoint,
				AccessKeyID:     cfg.MinIO.AccessKeyID,
				SecretAccessKey: cfg.MinIO.SecretAccessKey,
				UseSSL:          cfg.MinIO.UseSSL,
			},
			LaneSize:           cfg.MinIO.LaneSize,
			ReplicationQueue:   cfg.Replication.QueueCapacity,
			ReplicationWorkers: cfg.Replication.PoolSize,
			ReplicationRetries: cfg.Replication.MaxRetries,
		})
		if err != nil {
			log.Fatalf("Store: %+v", err)
		}

		di.store = store
		di.Logger().Info("initialized artifact store", slog.String("uri", cfg.StoreURI))
	}

	return di.store
}

func (di *dependencyInjector) Processor() *imaging.Processor {
	if di.processor == nil {
		cfg := di.Config()

		thumbs := make([]imaging.ThumbSpec, 0, len(cfg.Thumbs))
		for name, size := range cfg.Thumbs {
			thumbs = append(thumbs, imaging.ThumbSpec{
				Name:   name,
				Width:  size.Width,
				Height: size.Height,
			})
		}

		di.processor = imaging.NewProcessor(cfg.MinWidth, cfg.MinHeight, thumbs, cfg.PoolSize)
	}

	return di.processor
}

func (di *dependencyInjector) Fetcher() pipeline.Fetcher {
	if di.fetcher == nil {
		cfg := di.Config().Fetch
		di.fetcher = fetch.NewHTTPFetcher(
			time.Duration(cfg.TimeoutSeconds)*time.Second,
			cfg.MaxBodySize,
		)
	}

	return di.fetcher
}

func (di *dependencyInjector) StatusSink(ctx context.Context) pipeline.StatusSink {
	if di.sink == nil {
		cfg := di.Config().Redis
		if cfg.Addr == "" {
			return nil
		}

		if di.redis == nil {
			client, err := rediscli.NewClient(rediscli.Config{
				Addr:     cfg.Addr,
				Password: cfg.Password,
				DB:       cfg.DB,
			})
			if err != nil {
				log.Fatalf("StatusSink redis: %+v", err)
			}

			di.redis = client
			di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
		}

		di.sink = stats.NewRedisSink(di.redis)
	}

	return di.sink
}

func (di *dependencyInjector) Pipeline(ctx context.Context) *pipeline.Pipeline {
	if di.pipeline == nil {
		cfg := di.Config()

		di.pipeline = pipeline.New(
			di.Store(ctx),
			di.Fetcher(),
			di.Processor(),
			di.StatusSink(ctx),
			pipeline.Config{
				ExpiresDays:   cfg.ExpiresDays,
				DropOnFailure: cfg.OnFailure == "drop",
				Fingerprint: fingerprint.Options{
					IncludeHeaders: cfg.Fingerprint.IncludeHeaders,
					KeepFragments:  cfg.Fingerprint.KeepFragments,
				},
			},
		)
	}

	return di.pipeline
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	if di.js == nil {
		cfg := di.Config().NATS

		nc, err := natsq.NewConnect(cfg.URL, natsq.Config{
			Name:          "mediacache",
			MaxReconnects: -1,
		})
		if err != nil {
			log.Fatalf("JetStream connect: %+v", err)
		}
		di.natsConn = nc

		js, err := natsq.NewJetStream(nc, natsq.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{cfg.Subject, cfg.ResultsSubject},
		})
		if err != nil {
			log.Fatalf("JetStream: %+v", err)
		}

		di.js = js
		di.Logger().Info("connected to NATS", slog.String("url", cfg.URL))
	}

	return di.js
}

func (di *dependencyInjector) Consumer(ctx context.Context) Consumer {
	if di.consumer == nil {
		cfg := di.Config().NATS

		di.consumer = consumer.New(
			di.JetStream(ctx),
			cfg.Stream,
			cfg.Subject,
			cfg.ResultsSubject,
			cfg.Workers,
			di.Pipeline(ctx),
		)
	}

	return di.consumer
}

func (di *dependencyInjector) Close() {
	if di.natsConn != nil {
		di.natsConn.Close()
	}
	if di.redis != nil {
		_ = di.redis.Close()
	}
}
