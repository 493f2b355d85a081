package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/repazoo/connect/internal/connect/ratelimit"
)

type Config struct {
	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: json)

	Port                 int           // HTTP server port (default: 8080)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 15m)

	DatabaseFile string // Path to SQLite database file (default: ./connect.db)

	RedisAddr     string // Optional: Redis for the distributed limiter; empty runs in-process only
	RedisPassword string
	RedisDB       int

	SessionKey string // Required: HS256 key shared with the dashboard for session tokens

	AppsFile string // Optional: JSON file mapping dashboard domain -> OAuth app registration

	// Single-app fallback when no apps file is configured.
	DashboardDomain     string
	TwitterClientID     string
	TwitterClientSecret string
	TwitterRedirectURL  string
	TwitterScopes       []string

	AnthropicAPIKey    string
	AnthropicModel     string
	AnthropicMaxTokens int

	SubscriptionURL string // Optional: dashboard endpoint answering subscription checks

	StateTTL       time.Duration // PKCE state lifetime (default: 10m)
	RefreshMargin  time.Duration // Refresh tokens expiring within this margin (default: 5m)
	ConsentMaxAge  time.Duration // Consent staleness horizon (default: 365 days)
	AuditRetention time.Duration // Audit record retention (default: 2 years)
	RefreshHorizon time.Duration // Proactive refresh lookahead in housekeeping (default: 30m)
}

func LoadConfig() Config {
	return Config{
		Env:       getEnvOrDefault("ENV", "dev"),
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "json"),

		Port:                 getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 15*time.Minute),

		DatabaseFile: getEnvOrDefault("CONNECT_DATABASE_FILE", "connect.db"),

		RedisAddr:     os.Getenv("CONNECT_REDIS_ADDR"),
		RedisPassword: os.Getenv("CONNECT_REDIS_PASSWORD"),
		RedisDB:       getEnvIntOrDefault("CONNECT_REDIS_DB", 0),

		SessionKey: os.Getenv("CONNECT_SESSION_KEY"),

		AppsFile: os.Getenv("CONNECT_APPS_FILE"),

		DashboardDomain:     os.Getenv("CONNECT_DASHBOARD_DOMAIN"),
		TwitterClientID:     os.Getenv("CONNECT_TWITTER_CLIENT_ID"),
		TwitterClientSecret: os.Getenv("CONNECT_TWITTER_CLIENT_SECRET"),
		TwitterRedirectURL:  os.Getenv("CONNECT_TWITTER_REDIRECT_URL"),
		TwitterScopes: splitList(getEnvOrDefault("CONNECT_TWITTER_SCOPES",
			"tweet.read tweet.write users.read offline.access")),

		AnthropicAPIKey:    os.Getenv("CONNECT_ANTHROPIC_API_KEY"),
		AnthropicModel:     os.Getenv("CONNECT_ANTHROPIC_MODEL"),
		AnthropicMaxTokens: getEnvIntOrDefault("CONNECT_ANTHROPIC_MAX_TOKENS", 0),

		SubscriptionURL: os.Getenv("CONNECT_SUBSCRIPTION_URL"),

		StateTTL:       getEnvDurationOrDefault("CONNECT_STATE_TTL", 10*time.Minute),
		RefreshMargin:  getEnvDurationOrDefault("CONNECT_REFRESH_MARGIN", 5*time.Minute),
		ConsentMaxAge:  getEnvDurationOrDefault("CONNECT_CONSENT_MAX_AGE", 365*24*time.Hour),
		AuditRetention: getEnvDurationOrDefault("CONNECT_AUDIT_RETENTION", 2*365*24*time.Hour),
		RefreshHorizon: getEnvDurationOrDefault("CONNECT_REFRESH_HORIZON", 30*time.Minute),
	}
}

// RateLimitRules returns the per-API outbound budgets, with env overrides for
// the counts. Windows stay at their defaults.
func RateLimitRules() map[string]ratelimit.Rule {
	rules := ratelimit.DefaultRules()
	for api, env := range map[string]string{
		ratelimit.APITwitterTimeline: "CONNECT_LIMIT_TWITTER_TIMELINE",
		ratelimit.APITwitterLookup:   "CONNECT_LIMIT_TWITTER_LOOKUP",
		ratelimit.APITwitterPost:     "CONNECT_LIMIT_TWITTER_POST",
		ratelimit.APIInference:       "CONNECT_LIMIT_INFERENCE",
	} {
		if n := getEnvIntOrDefault(env, 0); n > 0 {
			rule := rules[api]
			rule.Limit = n
			rules[api] = rule
		}
	}
	return rules
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are taken as minutes.
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}

func splitList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ' ' || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
