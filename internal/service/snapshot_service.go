package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wisefido-snapshot/internal/alerting"
	"wisefido-snapshot/internal/alertstore"
	"wisefido-snapshot/internal/ble"
	"wisefido-snapshot/internal/cloud"
	"wisefido-snapshot/internal/config"
	"wisefido-snapshot/internal/connection"
	"wisefido-snapshot/internal/coordinator"
	"wisefido-snapshot/internal/database"
	"wisefido-snapshot/internal/datasync"
	"wisefido-snapshot/internal/dispatch"
	"wisefido-snapshot/internal/httpapi"
	"wisefido-snapshot/internal/mqtt"
	"wisefido-snapshot/internal/preferences"
	"wisefido-snapshot/internal/push"
	"wisefido-snapshot/internal/reactor"
	"wisefido-snapshot/internal/repository"
	"wisefido-snapshot/internal/store"
	"wisefido-snapshot/internal/units"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SnapshotService 传感器快照服务
type SnapshotService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client

	loop         *dispatch.Loop
	reactor      *reactor.Reactor
	alertReactor *reactor.Reactor
	conditions   *alertstore.Store
	bridge       *ble.Bridge
	cloud        *cloud.Facade
	coordinator  *coordinator.Coordinator
	hub          *httpapi.Hub
	server       *http.Server
}

// NewSnapshotService 创建快照服务并完成组装
func NewSnapshotService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*SnapshotService, error) {
	// 初始化数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化 Redis
	redisClient := store.NewRedisClient(&cfg.Redis)
	if err := store.Ping(ctx, redisClient); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// MQTT 不可用时退化为无蓝牙网关、无云端状态推送
	var mqttClient *mqtt.Client
	var broker mqtt.Broker
	if cfg.MQTT.Broker != "" {
		mqttClient, err = mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			logger.Warn("MQTT unavailable, continuing without BLE gateway", zap.Error(err))
		} else {
			broker = mqttClient
		}
	}

	kv := store.NewRedisKV(redisClient)
	repo := repository.NewSensorRepository(db, logger)
	unitSvc := units.NewService(units.DefaultPreferences(), logger)
	prefs := preferences.NewStore(kv, cfg.Snapshot.PreferencePrefix, logger)
	loop := dispatch.New(logger)

	sensorReactor := reactor.New(redisClient, repo, reactor.OptionsFromConfig(cfg), logger)
	alertReactor := sensorReactor.WithGroup(cfg.Streams.ConsumerGroup+"-alerts", cfg.Streams.ConsumerName)

	conditions := alertstore.New(redisClient, alertstore.OptionsFromConfig(cfg), logger)
	alerts := alerting.NewEngine(loop, conditions, nil, alerting.OptionsFromConfig(cfg), logger)

	var bridge *ble.Bridge
	var bleTransport connection.BLETransport
	if broker != nil {
		bridge = ble.NewBridge(broker, cfg, logger)
		bleTransport = bridge
	}
	cloudFacade := cloud.NewFacade(cfg, broker, logger)
	tracker := connection.NewTracker(loop, nil, kv, cfg.BLE.KeepPrefix, bleTransport, cloudFacade, logger)

	data := datasync.NewEngine(loop, datasync.Deps{
		Reactor:      sensorReactor,
		Records:      sensorReactor,
		Storage:      repo,
		Backgrounds:  datasync.NewKVBackgrounds(kv, cfg.Snapshot.BackgroundPrefix),
		Units:        unitSvc,
		Preferences:  prefs,
		Alerts:       alerts,
		Participants: []datasync.Participant{alerts, tracker},
	}, nil, datasync.OptionsFromConfig(cfg), logger)

	coord := coordinator.New(loop, data, alerts, tracker, cloudFacade, push.NewClient(cfg, logger), unitSvc,
		coordinator.OptionsFromConfig(cfg), logger)

	hub := httpapi.NewHub(func(o coordinator.Observer) httpapi.Subscription {
		return coord.Subscribe(o)
	}, logger)
	router := httpapi.NewRouter(logger)
	router.RegisterSnapshotRoutes(httpapi.NewSnapshotHandler(coord, sensorReactor, logger))
	router.RegisterWebsocket(hub)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &SnapshotService{
		config:       cfg,
		logger:       logger,
		db:           db,
		redisClient:  redisClient,
		mqttClient:   mqttClient,
		loop:         loop,
		reactor:      sensorReactor,
		alertReactor: alertReactor,
		conditions:   conditions,
		bridge:       bridge,
		cloud:        cloudFacade,
		coordinator:  coord,
		hub:          hub,
		server:       server,
	}, nil
}

// Start 启动服务，阻塞到 HTTP 服务退出
func (s *SnapshotService) Start(ctx context.Context) error {
	s.logger.Info("Starting snapshot service", zap.String("http_addr", s.config.HTTP.Addr))

	go s.loop.Run(ctx)

	if err := s.conditions.Start(ctx); err != nil {
		return fmt.Errorf("failed to start alert conditions: %w", err)
	}
	go s.conditions.Consume(ctx, s.alertReactor.Records(ctx, nil))

	if s.bridge != nil {
		if err := s.bridge.Start(); err != nil {
			return fmt.Errorf("failed to start BLE bridge: %w", err)
		}
	}
	if err := s.cloud.Start(); err != nil {
		return fmt.Errorf("failed to subscribe cloud status: %w", err)
	}

	s.coordinator.Start(ctx)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop 停止服务
func (s *SnapshotService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping snapshot service")

	// ctx 可能已被取消，关闭仍需要一个有限的等待窗口
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var errs []error
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.hub.Close()
	s.coordinator.Stop()
	s.loop.Stop()

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if err := s.redisClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close: %w", err))
	}
	if err := database.Close(s.db); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}
	return errors.Join(errs...)
}
