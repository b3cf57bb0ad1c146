package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"

	"gopherai-codegen/internal/ai"
	"gopherai-codegen/internal/app"
	"gopherai-codegen/internal/cache"
	"gopherai-codegen/internal/config"
	"gopherai-codegen/internal/model"
	mongoClient "gopherai-codegen/internal/platform/mongo"
	mysqlClient "gopherai-codegen/internal/platform/mysql"
	rabbitmqClient "gopherai-codegen/internal/platform/rabbitmq"
	redisClient "gopherai-codegen/internal/platform/redis"
	"gopherai-codegen/internal/relay"
	"gopherai-codegen/internal/repository"
	"gopherai-codegen/internal/worker"
)

const relayShutdownTimeout = 10 * time.Second

type App struct {
	Config *config.Config
	Logger *slog.Logger
	MySQL  *gorm.DB
	Redis  *redis.Client
	Mongo  *mongo.Client
	MQConn *amqp.Connection

	Messages       *cache.MessageCache
	AuthService    *app.AuthService
	ProjectService *app.ProjectService
	AIService      *app.AIService
	Relay          *relay.Relay
	FileTreeWorker *worker.FileTreePersistWorker

	StartedAt time.Time
}

// Migrate creates or updates the relational schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.User{}, &model.Project{}, &model.ProjectCollaborator{}); err != nil {
		return fmt.Errorf("auto migrate tables failed: %w", err)
	}
	return nil
}

// New connects every backing service and wires the application. On error the
// connections opened so far are closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger, StartedAt: time.Now()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.MySQL, err = mysqlClient.New(ctx, cfg.MySQLDSN(), cfg.IsDevelopment())
	if err != nil {
		return nil, err
	}
	if err = Migrate(a.MySQL); err != nil {
		return nil, err
	}

	a.Redis, err = redisClient.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}

	a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.FileTreePersistQueue)
	if err != nil {
		return nil, err
	}

	projects, err := a.projectStore(ctx)
	if err != nil {
		return nil, err
	}

	userRepo := repository.NewUserRepository(a.MySQL)
	a.Messages = cache.NewMessageCache(a.Redis, time.Duration(cfg.Redis.MessageTTLSeconds)*time.Second, logger)
	a.AuthService = app.NewAuthService(
		userRepo,
		cache.NewTokenBlacklist(a.Redis),
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
		logger,
	)
	a.ProjectService = app.NewProjectService(projects, userRepo, a.Messages, logger)

	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	proxy := ai.NewProxy(
		ai.NewOpenAICompatibleClient(timeout+30*time.Second),
		ai.ChatConfig{
			BaseURL:   cfg.LLM.BaseURL,
			APIKey:    cfg.LLM.APIKey,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
		},
		ai.ProxyOptions{Timeout: timeout},
		logger,
	)
	a.AIService, err = app.NewAIService(proxy, cfg.LLM.MaxContextMessage, logger)
	if err != nil {
		return nil, err
	}

	a.FileTreeWorker = worker.NewFileTreePersistWorker(a.MQConn, a.ProjectService, cfg.RabbitMQ.FileTreePersistQueue, logger)
	if err = a.FileTreeWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start file tree worker failed: %w", err)
	}

	a.Relay = relay.New(
		a.AuthService,
		a.ProjectService,
		a.Messages,
		proxy,
		rabbitmqClient.NewFileTreePublisher(a.MQConn, cfg.RabbitMQ.FileTreePersistQueue),
		relay.Options{
			TriggerToken:      cfg.Relay.TriggerToken,
			HistoryPageSize:   cfg.Relay.HistoryPageSize,
			MessagesPerSecond: cfg.Relay.MessagesPerSecond,
			MessageBurst:      cfg.Relay.MessageBurst,
			AllowedOrigins:    cfg.App.AllowedOrigins,
			AITimeout:         proxy.Timeout(),
			MaxTokens:         cfg.LLM.MaxTokens,
			Retention:         a.Messages.Retention(),
		},
		logger,
	)

	logger.Info("application wired",
		"project_store", cfg.App.ProjectStore,
		"llm_model", cfg.LLM.Model,
		"trigger", cfg.Relay.TriggerToken,
	)
	return a, nil
}

func (a *App) projectStore(ctx context.Context) (app.ProjectStore, error) {
	if a.Config.App.ProjectStore != config.ProjectStoreMongo {
		return repository.NewProjectRepository(a.MySQL), nil
	}

	client, err := mongoClient.New(ctx, a.Config.Mongo.URI)
	if err != nil {
		return nil, err
	}
	a.Mongo = client

	repo := repository.NewProjectDocumentRepository(client.Database(a.Config.Mongo.Database))
	if err := repo.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// Close stops the relay and the worker, then releases the connections.
func (a *App) Close() error {
	var errs []error
	if a.Relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), relayShutdownTimeout)
		if err := a.Relay.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if a.FileTreeWorker != nil {
		a.FileTreeWorker.Close()
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		if err := a.MQConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rabbitmq failed: %w", err))
		}
	}
	if a.Mongo != nil {
		if err := a.Mongo.Disconnect(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("close mongo failed: %w", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis failed: %w", err))
		}
	}
	if a.MySQL != nil {
		if sqlDB, err := a.MySQL.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close mysql failed: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
