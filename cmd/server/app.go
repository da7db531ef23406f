package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tana_market/internal/config"
	"tana_market/internal/gateway"
	"tana_market/internal/logger"
	"tana_market/internal/notify"
	"tana_market/internal/orders"
	"tana_market/internal/payment"
	"tana_market/internal/queue"
	"tana_market/internal/store"
	"tana_market/internal/tracking"
	pkgredis "tana_market/pkg/redis"
)

// app 进程内共享的组件，所有命令都从这里取依赖。
type app struct {
	cfg config.AppConfig
	log *zap.Logger
	db  *gorm.DB
	// rdb 在 REDIS_ENABLED=false 时为 nil。
	rdb *rd.Client

	orderStore    *store.OrderStore
	products      *store.ProductStore
	users         *store.UserStore
	notifications *store.NotificationStore
	attempts      *store.PaymentAttemptStore

	dispatcher *notify.Dispatcher
	inbox      *notify.Inbox
	orders     *orders.Service
	payments   *payment.Reconciler
}

// loadApp 读配置、建日志、连数据库与 Redis，并组装领域服务。
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	// 1. 数据库
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:           cfg,
		log:           log,
		db:            db,
		orderStore:    store.NewOrderStore(db),
		products:      store.NewProductStore(db),
		users:         store.NewUserStore(db),
		notifications: store.NewNotificationStore(db),
		attempts:      store.NewPaymentAttemptStore(db),
	}

	// 2. Redis（可选）
	if cfg.RedisEnabled {
		a.rdb = rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := a.rdb.Ping(pingCtx).Err(); err != nil {
			_ = a.close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	}

	// 3. 通知与订单服务
	a.dispatcher = notify.NewDispatcher(notify.Deps{
		Repo:      a.notifications,
		Directory: a.users,
		Logger:    log.Named("notify"),
	})
	a.inbox = notify.NewInbox(a.notifications, nil)

	var events orders.EventPublisher
	if cfg.EventMode == config.EventModeStream {
		events = queue.NewStreamPublisher(a.rdb, cfg.OrderEventStream)
	} else {
		events = queue.NewDirectPublisher(a.dispatcher, log.Named("events"))
	}
	allocator := tracking.NewAllocator(a.orderStore, tracking.Config{
		Prefix:      cfg.TrackingPrefix,
		MaxAttempts: cfg.TrackingMaxAttempts,
	}, nil, log.Named("tracking"))

	a.orders = orders.NewService(orders.Deps{
		Store:          a.orderStore,
		Allocator:      allocator,
		Events:         events,
		Catalog:        a.products,
		Logger:         log.Named("orders"),
		DeliveryWindow: cfg.DeliveryWindow,
	})

	// 4. 支付对账
	a.payments = payment.NewReconciler(payment.Deps{
		Orders:   a.orders,
		Gateway:  a.gateway(),
		Attempts: a.attempts,
		Users:    a.users,
		Locker:   a.locker(),
		Logger:   log.Named("payment"),
		Config:   payment.Config{Currency: cfg.GatewayCurrency, FrontendURL: cfg.FrontendURL},
	})
	return a, nil
}

func (a *app) gateway() gateway.Gateway {
	if a.cfg.GatewayBaseURL == "" {
		a.log.Warn("GATEWAY_BASE_URL not set, using in-memory gateway that settles every initialized payment")
		fake := gateway.NewFake()
		fake.AutoSettle = true
		return fake
	}
	return gateway.NewClient(gateway.Config{
		BaseURL:   a.cfg.GatewayBaseURL,
		SecretKey: a.cfg.GatewaySecretKey,
		Timeout:   a.cfg.GatewayTimeout,
	})
}

// locker 有 Redis 时跨实例加锁，否则只在进程内串行。
func (a *app) locker() payment.Locker {
	if a.rdb == nil {
		return payment.NewLocalLocker()
	}
	return pkgredis.NewOrderLocker(a.rdb, a.cfg.OrderLockTTL, a.cfg.OrderLockWait)
}

func (a *app) close() error {
	var firstErr error
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = a.log.Sync()
	return firstErr
}

func newUserID() string { return uuid.NewString() }
