package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/config"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/messaging"
	"github.com/feral-file/recycling-ledger/internal/providers/jetstream"
	"github.com/feral-file/recycling-ledger/internal/store"
	"github.com/feral-file/recycling-ledger/internal/webhook"
)

// OpenStore opens the record store selected by the store driver
func OpenStore(ctx context.Context, storeCfg config.StoreConfig, dbCfg config.DatabaseConfig) (store.Store, error) {
	switch storeCfg.Driver {
	case config.StoreDriverPostgres:
		db, err := OpenPostgres(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		return store.NewPGStore(db), nil

	case config.StoreDriverLevelDB:
		s, err := store.NewLevelDBStore(storeCfg.LevelDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open leveldb store: %w", err)
		}
		logger.InfoCtx(ctx, "Opened leveldb store", zap.String("path", storeCfg.LevelDBPath))
		return s, nil

	case config.StoreDriverMemory:
		logger.WarnCtx(ctx, "Using in-memory store, the ledger is lost on restart")
		return store.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store driver: %s", storeCfg.Driver)
	}
}

// OpenPostgres connects to PostgreSQL, configures the pool and registers the read replica when one is configured
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.ReadHost != "" {
		err = db.Use(dbresolver.Register(dbresolver.Config{
			Replicas: []gorm.Dialector{postgres.Open(cfg.ReadDSN())},
			Policy:   dbresolver.RandomPolicy{},
		}))
		if err != nil {
			return nil, fmt.Errorf("failed to register read replica: %w", err)
		}
		logger.InfoCtx(ctx, "Registered read replica", zap.String("read_host", cfg.ReadHost))
	}

	if err := store.ConfigureConnectionPool(db, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime); err != nil {
		return nil, err
	}
	logger.InfoCtx(ctx, "Connected to database",
		zap.String("host", cfg.Host),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)

	return db, nil
}

// NewEventPublisher builds the outbound event publishers: JetStream when a NATS url is
// configured and signed webhooks when receiver urls are. Without either, events are dropped.
func NewEventPublisher(ctx context.Context, natsCfg config.NATSConfig, webhookCfg config.WebhookConfig, jsonAdapter adapter.JSON, clock adapter.Clock) (messaging.Publisher, error) {
	var publishers []messaging.Publisher

	if natsCfg.URL == "" {
		logger.WarnCtx(ctx, "NATS url not configured, ledger events will not be published to JetStream")
	} else {
		publisher, err := jetstream.NewPublisher(ctx, jetstream.Config{
			URL:            natsCfg.URL,
			StreamName:     natsCfg.StreamName,
			MaxReconnects:  natsCfg.MaxReconnects,
			ReconnectWait:  natsCfg.ReconnectWait,
			ConnectionName: natsCfg.ConnectionName,
		}, adapter.NewNatsJetStream(), jsonAdapter, clock)
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream publisher: %w", err)
		}
		logger.InfoCtx(ctx, "Connected to NATS JetStream", zap.String("url", natsCfg.URL), zap.String("stream", natsCfg.StreamName))
		publishers = append(publishers, publisher)
	}

	if len(webhookCfg.URLs) > 0 {
		cfg := webhook.Config{
			URLs:          webhookCfg.URLs,
			Secret:        webhookCfg.Secret,
			Timeout:       webhookCfg.Timeout,
			MaxRetries:    webhookCfg.MaxRetries,
			RetryInterval: webhookCfg.RetryInterval,
			Workers:       webhookCfg.Workers,
		}
		publisher, err := webhook.NewPublisher(cfg, webhook.NewHTTPClient(cfg), jsonAdapter, clock)
		if err != nil {
			messaging.NewMulti(publishers...).Close()
			return nil, fmt.Errorf("failed to create webhook publisher: %w", err)
		}
		logger.InfoCtx(ctx, "Webhook delivery enabled", zap.Int("receivers", len(webhookCfg.URLs)))
		publishers = append(publishers, publisher)
	}

	switch len(publishers) {
	case 0:
		return messaging.Noop{}, nil
	case 1:
		return publishers[0], nil
	default:
		return messaging.NewMulti(publishers...), nil
	}
}
