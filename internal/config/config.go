package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EventModeDirect = "direct"
	EventModeStream = "stream"

	devJWTSecret = "dev-jwt-secret"
)

// AppConfig 聚合运行时配置，全部通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	// AppEnv 为 dev 时日志用 console 格式。
	AppEnv   string `envconfig:"APP_ENV" default:"dev"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN    string `envconfig:"DB_DSN" default:"tana_market.db"`

	// Redis 关闭时订单锁退化为进程内锁，限流关闭，事件只能直连。
	RedisEnabled bool   `envconfig:"REDIS_ENABLED" default:"true"`
	RedisAddr    string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB      int    `envconfig:"REDIS_DB" default:"0"`

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"tana-order-events"`
	KafkaGroupID string   `envconfig:"KAFKA_GROUP_ID" default:"tana-notification-consumer"`

	// EventMode direct：进程内直接生成通知；stream：Redis Stream → Kafka → 消费者。
	EventMode          string `envconfig:"EVENT_MODE" default:"direct"`
	OrderEventStream   string `envconfig:"ORDER_EVENT_STREAM" default:"tana:order_events"`
	OrderEventGroup    string `envconfig:"ORDER_EVENT_GROUP" default:"tana-relay-group"`
	OrderEventConsumer string `envconfig:"ORDER_EVENT_CONSUMER" default:"tana-relay-1"`

	// 网关地址为空时使用内存假网关（本地开发）。
	GatewayBaseURL   string        `envconfig:"GATEWAY_BASE_URL"`
	GatewaySecretKey string        `envconfig:"GATEWAY_SECRET_KEY"`
	GatewayCurrency  string        `envconfig:"GATEWAY_CURRENCY" default:"ETB"`
	GatewayTimeout   time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`

	FrontendURL string `envconfig:"FRONTEND_URL" default:"http://localhost:3000"`
	JWTSecret   string `envconfig:"JWT_SECRET" default:"dev-jwt-secret"`

	TrackingPrefix      string `envconfig:"TRACKING_PREFIX" default:"TANA"`
	TrackingMaxAttempts int    `envconfig:"TRACKING_MAX_ATTEMPTS" default:"100"`

	DeliveryWindow        time.Duration `envconfig:"DELIVERY_WINDOW" default:"72h"`
	DeliverySweepInterval time.Duration `envconfig:"DELIVERY_SWEEP_INTERVAL" default:"5m"`

	OrderLockTTL  time.Duration `envconfig:"ORDER_LOCK_TTL" default:"15s"`
	OrderLockWait time.Duration `envconfig:"ORDER_LOCK_WAIT" default:"5s"`

	// 对账接口限流
	VerifyRateLimit  int           `envconfig:"VERIFY_RATE_LIMIT" default:"30"`
	VerifyRateWindow time.Duration `envconfig:"VERIFY_RATE_WINDOW" default:"1m"`
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, err
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) IsDev() bool { return c.AppEnv == "dev" }

func (c AppConfig) Validate() error {
	switch c.DBDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or mysql, got %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN must not be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	if !c.IsDev() && c.JWTSecret == devJWTSecret {
		return fmt.Errorf("JWT_SECRET must be set outside dev")
	}
	// 内存假网关会把每笔支付都当成成功，只允许在 dev 使用
	if !c.IsDev() && c.GatewayBaseURL == "" {
		return fmt.Errorf("GATEWAY_BASE_URL is required outside dev")
	}
	if c.GatewayBaseURL != "" && c.GatewaySecretKey == "" {
		return fmt.Errorf("GATEWAY_SECRET_KEY is required with GATEWAY_BASE_URL")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be > 0")
	}
	if c.TrackingPrefix == "" {
		return fmt.Errorf("TRACKING_PREFIX must not be empty")
	}
	if c.TrackingMaxAttempts <= 0 {
		return fmt.Errorf("TRACKING_MAX_ATTEMPTS must be > 0")
	}
	if c.DeliveryWindow <= 0 {
		return fmt.Errorf("DELIVERY_WINDOW must be > 0")
	}
	if c.DeliverySweepInterval <= 0 {
		return fmt.Errorf("DELIVERY_SWEEP_INTERVAL must be > 0")
	}
	if c.OrderLockTTL <= 0 {
		return fmt.Errorf("ORDER_LOCK_TTL must be > 0")
	}
	if c.VerifyRateLimit <= 0 {
		return fmt.Errorf("VERIFY_RATE_LIMIT must be > 0")
	}
	if c.VerifyRateWindow < time.Second {
		return fmt.Errorf("VERIFY_RATE_WINDOW must be >= 1s")
	}

	switch c.EventMode {
	case EventModeDirect:
	case EventModeStream:
		if !c.RedisEnabled {
			return fmt.Errorf("EVENT_MODE=stream requires REDIS_ENABLED")
		}
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
		if c.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_TOPIC must not be empty")
		}
		if c.KafkaGroupID == "" {
			return fmt.Errorf("KAFKA_GROUP_ID must not be empty")
		}
		if c.OrderEventStream == "" {
			return fmt.Errorf("ORDER_EVENT_STREAM must not be empty")
		}
		if c.OrderEventGroup == "" {
			return fmt.Errorf("ORDER_EVENT_GROUP must not be empty")
		}
		if c.OrderEventConsumer == "" {
			return fmt.Errorf("ORDER_EVENT_CONSUMER must not be empty")
		}
	default:
		return fmt.Errorf("EVENT_MODE must be direct or stream, got %q", c.EventMode)
	}
	return nil
}

// trimAll 去掉空白和空项。
func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
