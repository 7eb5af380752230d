package main

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every externally tunable knob. All values come from the
// environment (a .env file is loaded first if present); defaults are chosen
// to be conservative enough for unattended operation.
type Config struct {
	Address    string
	AdminToken string
	DBDriver   string
	DBDSN      string
	LogLevel   string
	LogFormat  string

	// Rate limiting
	MessagesPerMinute    int
	MessagesPerHour      int
	MessagesPerDay       int
	PerRecipientDaily    int
	DuplicateCooldown    time.Duration
	NewContactCautionAt  int
	RateLimitWaitBuffer  time.Duration
	RateLimitWaitDefault time.Duration

	// Pacing
	MinSendDelay      time.Duration
	MaxSendDelay      time.Duration
	TypingDelayPerChr time.Duration
	TypingDelayCap    time.Duration
	MediaSurcharge    time.Duration
	GroupSurcharge    time.Duration
	BurstPenaltyAfter int
	BurstPenaltyStep  time.Duration

	// Session supervision
	InitTimeout        time.Duration
	ReconnectBaseDelay time.Duration
	MaxReconnects      int
	HealthInterval     time.Duration
	KeepAliveInterval  time.Duration
	InactivityTimeout  time.Duration
	ErrorThreshold     int64
	AuthRetryDelay     time.Duration
	WipeCredsOnFail    bool
	QRInTerminal       bool

	// Contact sync
	SyncBatchSize     int
	SyncMaxConcurrent int
	SyncBatchPause    time.Duration
	SyncFetchRetries  int
	SyncFetchTimeout  time.Duration
	SyncRetryDelay    time.Duration
	EnrichTimeout     time.Duration
	SyncJobTTL        time.Duration

	// Outbound event delivery
	WebhookFormat  string
	WebhookTimeout time.Duration
	S3Enabled      bool
}

func loadConfig() *Config {
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Address:    envStr("ADDRESS", ":8080"),
		AdminToken: envStr("ADMIN_TOKEN", ""),
		DBDriver:   envStr("DB_DRIVER", "sqlite"),
		DBDSN:      envStr("DB_DSN", "file:wacourier.db?_pragma=foreign_keys(1)"),
		LogLevel:   envStr("LOG_LEVEL", "info"),
		LogFormat:  envStr("LOG_FORMAT", "console"),

		MessagesPerMinute:    envInt("MESSAGES_PER_MINUTE", 20),
		MessagesPerHour:      envInt("MESSAGES_PER_HOUR", 300),
		MessagesPerDay:       envInt("MESSAGES_PER_DAY", 1000),
		PerRecipientDaily:    envInt("PER_RECIPIENT_DAILY", 10),
		DuplicateCooldown:    envDur("DUPLICATE_COOLDOWN", time.Hour),
		NewContactCautionAt:  envInt("NEW_CONTACT_CAUTION_AFTER", 10),
		RateLimitWaitBuffer:  envDur("RATE_LIMIT_WAIT_BUFFER", 2*time.Second),
		RateLimitWaitDefault: envDur("RATE_LIMIT_WAIT_DEFAULT", 5*time.Minute),

		MinSendDelay:      envDur("MIN_SEND_DELAY", 3*time.Second),
		MaxSendDelay:      envDur("MAX_SEND_DELAY", 8*time.Second),
		TypingDelayPerChr: envDur("TYPING_DELAY_PER_CHAR", 50*time.Millisecond),
		TypingDelayCap:    envDur("TYPING_DELAY_CAP", 5*time.Second),
		MediaSurcharge:    envDur("MEDIA_SURCHARGE", 2*time.Second),
		GroupSurcharge:    envDur("GROUP_SURCHARGE", 1500*time.Millisecond),
		BurstPenaltyAfter: envInt("BURST_PENALTY_AFTER", 10),
		BurstPenaltyStep:  envDur("BURST_PENALTY_STEP", 500*time.Millisecond),

		InitTimeout:        envDur("INIT_TIMEOUT", 60*time.Second),
		ReconnectBaseDelay: envDur("RECONNECT_BASE_DELAY", 5*time.Second),
		MaxReconnects:      envInt("MAX_RECONNECT_ATTEMPTS", 5),
		HealthInterval:     envDur("HEALTH_CHECK_INTERVAL", 30*time.Second),
		KeepAliveInterval:  envDur("KEEP_ALIVE_INTERVAL", 45*time.Second),
		InactivityTimeout:  envDur("SESSION_INACTIVITY_TIMEOUT", 30*time.Minute),
		ErrorThreshold:     int64(envInt("SESSION_ERROR_THRESHOLD", 10)),
		AuthRetryDelay:     envDur("AUTH_RETRY_DELAY", 30*time.Second),
		WipeCredsOnFail:    envBool("WIPE_CREDENTIALS_ON_AUTH_FAILURE", false),
		QRInTerminal:       envBool("QR_IN_TERMINAL", false),

		SyncBatchSize:     envInt("SYNC_BATCH_SIZE", 50),
		SyncMaxConcurrent: envInt("SYNC_MAX_CONCURRENT", 3),
		SyncBatchPause:    envDur("SYNC_BATCH_PAUSE", 2*time.Second),
		SyncFetchRetries:  envInt("SYNC_FETCH_RETRIES", 3),
		SyncFetchTimeout:  envDur("SYNC_FETCH_TIMEOUT", 30*time.Second),
		SyncRetryDelay:    envDur("SYNC_RETRY_DELAY", 5*time.Second),
		EnrichTimeout:     envDur("SYNC_ENRICH_TIMEOUT", 5*time.Second),
		SyncJobTTL:        envDur("SYNC_JOB_TTL", 5*time.Minute),

		WebhookFormat:  envStr("WEBHOOK_FORMAT", "json"),
		WebhookTimeout: envDur("WEBHOOK_TIMEOUT", 5*time.Second),
		S3Enabled:      envBool("S3_ENABLED", false),
	}

	log.Info().
		Str("dbDriver", cfg.DBDriver).
		Int("messagesPerMinute", cfg.MessagesPerMinute).
		Int("syncBatchSize", cfg.SyncBatchSize).
		Int("maxReconnects", cfg.MaxReconnects).
		Msg("Configuration loaded")
	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return def
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
