package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Payment modes.
const (
	PaymentInline   = "inline"
	PaymentDeferred = "deferred"
)

type Config struct {
	Port     string
	RunLocal bool
	Storage  string
	LogLevel string

	AWS      AWSConfig
	Services ServicesConfig
	DB       DBConfig
	Auth     AuthConfig
	Telegram TelegramConfig
	Checkout CheckoutConfig
}

type AWSConfig struct {
	Region              string
	EndpointOverride    string
	IdempotencyTable    string
	OrdersTable         string
	PaymentsTable       string
	CountersTable       string
	OrdersQueueURL      string
	CloudWatchNamespace string
}

type ServicesConfig struct {
	CatalogURL      string
	PaymentURL      string
	OrderURL        string
	NotificationURL string
	UserURL         string
	RetryCount      int
	RetryWait       time.Duration
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

type AuthConfig struct {
	JWTSecret string
	// ServiceToken is the shared secret services send with X-User-ID once tokens are verified.
	ServiceToken string
}

type TelegramConfig struct {
	Token string
	// Chats maps branch id to chat id.
	Chats map[int64]int64
}

type CheckoutConfig struct {
	StrictCoupon       bool
	PaymentMode        string
	Deadline           time.Duration
	CatalogTimeout     time.Duration
	PaymentTimeout     time.Duration
	NotifyTimeout      time.Duration
	PricingConcurrency int
	CouponClaimTTL     time.Duration
	IdempotencyTTL     time.Duration
	ReconcileAfter     time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	mode := strings.ToLower(getEnv("PAYMENT_MODE", PaymentInline))
	if mode != PaymentDeferred {
		mode = PaymentInline
	}

	return &Config{
		Port:     getEnv("PORT", "8080"),
		RunLocal: getBool("RUN_LOCAL", false),
		Storage:  getEnv("STORAGE", "dynamodb"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		AWS: AWSConfig{
			Region:              getEnv("AWS_REGION", "us-east-1"),
			EndpointOverride:    getEnv("AWS_ENDPOINT_OVERRIDE", ""),
			IdempotencyTable:    getEnv("IDEMPOTENCY_TABLE", "idempotency"),
			OrdersTable:         getEnv("ORDERS_TABLE", "orders"),
			PaymentsTable:       getEnv("PAYMENTS_TABLE", "payments"),
			CountersTable:       getEnv("COUNTERS_TABLE", "counters"),
			OrdersQueueURL:      getEnv("ORDERS_QUEUE_URL", ""),
			CloudWatchNamespace: getEnv("CLOUDWATCH_NAMESPACE", ""),
		},
		Services: ServicesConfig{
			CatalogURL:      getEnv("CATALOG_SERVICE_URL", "http://localhost:8001"),
			PaymentURL:      getEnv("PAYMENT_SERVICE_URL", ""),
			OrderURL:        getEnv("ORDER_SERVICE_URL", "http://localhost:8080"),
			NotificationURL: getEnv("NOTIFICATION_SERVICE_URL", ""),
			UserURL:         getEnv("USER_SERVICE_URL", ""),
			RetryCount:      getInt("RETRY_COUNT", 2),
			RetryWait:       getDuration("RETRY_WAIT", 100*time.Millisecond),
		},
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "catalog"),
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("JWT_SECRET", ""),
			ServiceToken: getEnv("SERVICE_TOKEN", ""),
		},
		Telegram: TelegramConfig{
			Token: getEnv("TELEGRAM_TOKEN", ""),
			Chats: parseChats(getEnv("TELEGRAM_CHATS", "")),
		},
		Checkout: CheckoutConfig{
			StrictCoupon:       getBool("STRICT_COUPON", false),
			PaymentMode:        mode,
			Deadline:           getDuration("CHECKOUT_DEADLINE", 10*time.Second),
			CatalogTimeout:     getDuration("CATALOG_TIMEOUT", 3*time.Second),
			PaymentTimeout:     getDuration("PAYMENT_TIMEOUT", 5*time.Second),
			NotifyTimeout:      getDuration("NOTIFY_TIMEOUT", 2*time.Second),
			PricingConcurrency: getInt("PRICING_CONCURRENCY", 4),
			CouponClaimTTL:     getDuration("COUPON_CLAIM_TTL", 15*time.Minute),
			IdempotencyTTL:     getDuration("IDEMPOTENCY_TTL", 48*time.Hour),
			ReconcileAfter:     getDuration("RECONCILE_AFTER", 30*time.Minute),
		},
	}, nil
}

// URL is the pgx connection string for the catalog database.
func (d DBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.Database)
}

// MemoryStorage reports whether DynamoDB is replaced by the in-process store.
func (c *Config) MemoryStorage() bool {
	return strings.EqualFold(c.Storage, "memory")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

func getDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}

// parseChats reads "branch:chat,branch:chat". Malformed pairs are skipped.
func parseChats(s string) map[int64]int64 {
	out := map[int64]int64{}
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		branch, err1 := strconv.ParseInt(parts[0], 10, 64)
		chat, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out[branch] = chat
	}
	return out
}
