package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"twofactor-service/internal/audit"
	"twofactor-service/internal/bucketing"
	"twofactor-service/internal/client"
	"twofactor-service/internal/config"
	"twofactor-service/internal/events"
	"twofactor-service/internal/handler"
	"twofactor-service/internal/hashing"
	"twofactor-service/internal/model"
	"twofactor-service/internal/notifier"
	"twofactor-service/internal/otp"
	redisrepo "twofactor-service/internal/repository/redis"
	"twofactor-service/internal/repository/scylla"
	"twofactor-service/internal/service"
	"twofactor-service/internal/util"

	"golang.org/x/sync/errgroup"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	bucketingManager *bucketing.BucketingManager
	generator        *otp.Generator

	// Repositories and adapters
	userRepository model.UserRepository
	codeRepository model.CodeRepository
	sessionCache   *redisrepo.SessionCache
	userLock       *redisrepo.UserLock
	mailer         model.Notifier
	publisher      model.EventPublisher
	recorder       model.AttemptRecorder
	auditRecorder  *audit.Recorder

	secondFactorService *service.SecondFactorService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kafka_connected", factory.kafkaProducer != nil),
		util.Bool("clickhouse_connected", factory.clickhouseClient != nil),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health
// checks. Redis and Scylla are critical; Kafka and ClickHouse degrade to
// no-op adapters when unreachable.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		util.Warn("ClickHouse initialization failed - proceeding without attempt auditing", util.ErrorField(err))
	} else {
		f.clickhouseClient = chClient
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			util.Warn("ClickHouse health check failed - proceeding without attempt auditing", util.ErrorField(err))
			_ = f.clickhouseClient.Close()
			f.clickhouseClient = nil
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, bucketing, and code generation
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.generator = otp.NewGenerator(f.config.Auth.CodeDigits)

	util.Info("Managers initialized successfully",
		util.Int("code_digits", f.generator.Digits()),
	)
}

func (f *Factory) Config() *config.Config {
	return f.config
}

// ==============================
// Repository Initialization
// ==============================

func (f *Factory) UserRepository() model.UserRepository {
	if f.userRepository == nil {
		f.userRepository = scylla.NewUserRepository(f.scyllaClient, f.bucketingManager, util.Get())
	}
	return f.userRepository
}

func (f *Factory) CodeRepository() model.CodeRepository {
	if f.codeRepository == nil {
		f.codeRepository = scylla.NewCodeRepository(f.scyllaClient, util.Get())
	}
	return f.codeRepository
}

func (f *Factory) SessionCache() *redisrepo.SessionCache {
	if f.sessionCache == nil {
		f.sessionCache = redisrepo.NewSessionCache(f.redisClient, f.config.Auth.SessionTTL)
	}
	return f.sessionCache
}

func (f *Factory) UserLock() *redisrepo.UserLock {
	if f.userLock == nil {
		f.userLock = redisrepo.NewUserLock(f.redisClient)
	}
	return f.userLock
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

// ==============================
// Adapters
// ==============================

func (f *Factory) Notifier() model.Notifier {
	if f.mailer == nil {
		f.mailer = notifier.NewMailer(f.config)
	}
	return f.mailer
}

func (f *Factory) EventPublisher() model.EventPublisher {
	if f.publisher == nil {
		if f.kafkaProducer != nil {
			f.publisher = events.NewKafkaPublisher(f.kafkaProducer, f.config)
		} else {
			f.publisher = events.NopPublisher{}
		}
	}
	return f.publisher
}

func (f *Factory) AttemptRecorder() model.AttemptRecorder {
	if f.recorder == nil {
		if f.clickhouseClient != nil {
			f.auditRecorder = audit.NewRecorder(f.clickhouseClient)
			f.recorder = f.auditRecorder
		} else {
			f.recorder = audit.NopRecorder{}
		}
	}
	return f.recorder
}

// ==============================
// Services and Handlers
// ==============================

func (f *Factory) SecondFactorService() *service.SecondFactorService {
	if f.secondFactorService == nil {
		f.secondFactorService = service.NewSecondFactorService(
			f.UserRepository(),
			f.CodeRepository(),
			f.generator,
			f.Notifier(),
			f.EventPublisher(),
			f.AttemptRecorder(),
			f.UserLock(),
			f.config.Auth,
			util.Get(),
		)
	}
	return f.secondFactorService
}

func (f *Factory) AuthHandler() *handler.AuthHandler {
	return handler.NewAuthHandler(
		f.SecondFactorService(),
		f.UserRepository(),
		f.Hasher(),
		f.SessionCache(),
		util.Get(),
	)
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every connected backend concurrently.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var mu sync.Mutex
	healthErrors := make(map[string]error)

	report := func(name string, err error) {
		mu.Lock()
		healthErrors[name] = err
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)

	if f.redisClient != nil {
		g.Go(func() error {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				report("redis", err)
			}
			return nil
		})
	} else {
		report("redis", fmt.Errorf("redis client not initialized"))
	}

	if f.scyllaClient != nil {
		g.Go(func() error {
			if err := f.scyllaClient.HealthCheck(); err != nil {
				report("scylla", err)
			}
			return nil
		})
	} else {
		report("scylla", fmt.Errorf("scylla client not initialized"))
	}

	if f.kafkaProducer != nil {
		g.Go(func() error {
			if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
				report("kafka", err)
			}
			return nil
		})
	}

	if f.clickhouseClient != nil {
		g.Go(func() error {
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				report("clickhouse", err)
			}
			return nil
		})
	}

	_ = g.Wait()

	return healthErrors
}

// IsHealthy ignores the optional backends; Kafka and ClickHouse outages
// degrade the service but do not take it down.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// Flush buffered audit rows before dropping the ClickHouse connection.
		if f.auditRecorder != nil {
			f.auditRecorder.Close()
			util.Info("Audit recorder flushed and closed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown complete")
		util.Sync()
	})
	return nil
}
