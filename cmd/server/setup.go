package main

import (
	"context"
	"fmt"
	"time"

	"cyoa-server/internal/config"
	"cyoa-server/internal/messaging"
	"cyoa-server/internal/repository"
	"cyoa-server/pkg/database"
	"cyoa-server/pkg/migration"

	amqp "github.com/rabbitmq/amqp091-go"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// storage репозитории и то, что нужно закрыть при выходе.
type storage struct {
	Jobs    repository.JobRepository
	Stories repository.StoryRepository
	closers []func()
}

func (s *storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func setupStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage, error) {
	st := &storage{}

	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		zap.L().Warn("Using in-memory storage, data is lost on restart")
		st.Jobs = repository.NewMemoryJobRepository()
		st.Stories = repository.NewMemoryStoryRepository()

	default:
		zap.L().Info("Connecting to PostgreSQL", zap.String("dsn", cfg.MaskedDSN()))
		pool, err := database.Connect(ctx, database.Config{
			DSN:             cfg.GetDSN(),
			MaxConns:        int32(cfg.DBMaxConns),
			MaxConnIdleTime: cfg.DBIdleTimeout,
			ConnectAttempts: cfg.DBConnectAttempts,
			RetryDelay:      cfg.DBConnectRetryDelay,
		}, logger)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, pool.Close)

		migrator := migration.NewMigrator(migration.Config{
			FS:   repository.MigrationsFS,
			Path: repository.MigrationsPath,
		}, pool, logger)
		if err := migrator.Up(); err != nil {
			st.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}

		st.Jobs = repository.NewPgJobRepository(pool, logger)
		st.Stories = repository.NewPgStoryRepository(pool, logger)
	}

	if cfg.RedisAddr == "" {
		zap.L().Info("REDIS_ADDR not set, snapshot cache disabled")
		return st, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repository.PingRedis(pingCtx, rdb); err != nil {
		// кэш необязателен, работаем без него
		zap.L().Warn("Redis unavailable, snapshot cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = rdb.Close()
		return st, nil
	}
	st.closers = append(st.closers, func() { _ = rdb.Close() })
	st.Jobs = repository.NewCachedJobRepository(st.Jobs, rdb, cfg.CacheTTL, logger)
	st.Stories = repository.NewCachedStoryRepository(st.Stories, rdb, cfg.CacheTTL, logger)
	zap.L().Info("Redis snapshot cache enabled", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.CacheTTL))
	return st, nil
}

// eventPublisher publisher вместе с соединением.
type eventPublisher struct {
	messaging.JobEventPublisher
	conn *amqp.Connection
}

func (p *eventPublisher) Close() error {
	err := p.JobEventPublisher.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func setupEventPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*eventPublisher, error) {
	if cfg.RabbitMQURL == "" {
		zap.L().Info("RABBITMQ_URL not set, job events are not published")
		return &eventPublisher{JobEventPublisher: messaging.NoopPublisher{}}, nil
	}
	conn, err := messaging.Connect(ctx, cfg.RabbitMQURL, 5, 3*time.Second, logger)
	if err != nil {
		return nil, err
	}
	pub, err := messaging.NewRabbitMQPublisher(conn, cfg.JobEventsExchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &eventPublisher{JobEventPublisher: pub, conn: conn}, nil
}
