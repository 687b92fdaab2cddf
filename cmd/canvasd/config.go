package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type config struct {
	listenAddr string
	logLevel   string

	rateEnabled        bool
	rateRPS            float64
	rateBurst          int
	trustXFF           bool
	retryAfter         time.Duration
	addHeaders         bool
	concurrencyMax     int
	concurrencyTimeout time.Duration

	floodRPS              float64
	floodBurst            int
	workersMax            int
	workersAcquireTimeout time.Duration

	redisAddr     string
	redisPassword string
	redisDB       int
	relayChannel  string
	postgresDSN   string

	catalogPath string

	reputationURL      string
	reputationTimeout  time.Duration
	reputationTTL      time.Duration
	reputationGrace    time.Duration
	reputationFailures uint32
	reputationCooldown time.Duration

	gateStaleAfter time.Duration
	gateSweepEvery time.Duration

	subscriptionsMaxPerConn int
	sendQueue               int
	presenceEvery           time.Duration

	newConnMargin time.Duration
	globalFactor  float64
	rankCountries map[string]float64

	userHeader    string
	countryHeader string

	statsEnabled         bool
	statsPrefix          string
	statsTTL             time.Duration
	statsBucket          string
	statsTrackIdentities bool
}

// newViper lê variáveis de ambiente (LISTEN_ADDR, RATE_RPS, ...) e, se path
// não for vazio, um YAML com as mesmas chaves em minúsculas (listen_addr, ...).
// O ambiente tem precedência sobre o arquivo.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("rate_enabled", true)
	v.SetDefault("rate_rps", 10)
	v.SetDefault("trust_xff", false)
	v.SetDefault("retry_after", time.Second)
	v.SetDefault("add_ratelimit_headers", false)
	v.SetDefault("concurrency_max", 100)
	v.SetDefault("concurrency_timeout", 0)
	v.SetDefault("flood_rps", 20)
	v.SetDefault("flood_burst", 40)
	v.SetDefault("workers_max", 256)
	v.SetDefault("workers_acquire_timeout", 250*time.Millisecond)
	v.SetDefault("redis_db", 0)
	v.SetDefault("relay_channel", "pixel:diff")
	v.SetDefault("canvas_catalog", "./canvases.yaml")
	v.SetDefault("reputation_timeout", 5*time.Second)
	v.SetDefault("reputation_ttl", time.Hour)
	v.SetDefault("reputation_grace", 0)
	v.SetDefault("reputation_breaker_failures", 5)
	v.SetDefault("reputation_breaker_cooldown", 30*time.Second)
	v.SetDefault("gate_stale_after", 20*time.Second)
	v.SetDefault("gate_sweep_every", 5*time.Second)
	v.SetDefault("subscriptions_max_per_conn", 200)
	v.SetDefault("send_queue", 256)
	v.SetDefault("presence_every", 15*time.Second)
	v.SetDefault("cooldown_new_conn_margin", time.Second)
	v.SetDefault("cooldown_global_factor", 1)
	v.SetDefault("stats_enabled", false)
	v.SetDefault("stats_prefix", "pixels:stats")
	v.SetDefault("stats_ttl", 24*time.Hour)
	v.SetDefault("stats_bucket", "minute")
	v.SetDefault("stats_track_identities", false)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

func readConfig(v *viper.Viper) (config, error) {
	cfg := config{}
	cfg.listenAddr = v.GetString("listen_addr")
	cfg.logLevel = v.GetString("log_level")

	cfg.rateEnabled = v.GetBool("rate_enabled")
	cfg.rateRPS = v.GetFloat64("rate_rps")
	// IMPORTANTE: o "burst" permite uma rajada inicial de requisições.
	// Com RPS muito baixo (ex: 0.02), o padrão 20 pode dar a impressão de que
	// o limiter não está funcionando, porque as primeiras ~20 passam.
	if v.IsSet("rate_burst") {
		cfg.rateBurst = v.GetInt("rate_burst")
	} else {
		cfg.rateBurst = 20
		if cfg.rateRPS > 0 && cfg.rateRPS < 1 {
			cfg.rateBurst = 1
		}
	}
	cfg.trustXFF = v.GetBool("trust_xff")
	cfg.retryAfter = v.GetDuration("retry_after")
	cfg.addHeaders = v.GetBool("add_ratelimit_headers")
	cfg.concurrencyMax = v.GetInt("concurrency_max")
	cfg.concurrencyTimeout = v.GetDuration("concurrency_timeout")

	cfg.floodRPS = v.GetFloat64("flood_rps")
	cfg.floodBurst = v.GetInt("flood_burst")
	cfg.workersMax = v.GetInt("workers_max")
	cfg.workersAcquireTimeout = v.GetDuration("workers_acquire_timeout")

	cfg.redisAddr = strings.TrimSpace(v.GetString("redis_addr"))
	cfg.redisPassword = v.GetString("redis_password")
	cfg.redisDB = v.GetInt("redis_db")
	cfg.relayChannel = v.GetString("relay_channel")
	cfg.postgresDSN = strings.TrimSpace(v.GetString("postgres_dsn"))

	cfg.catalogPath = strings.TrimSpace(v.GetString("canvas_catalog"))

	cfg.reputationURL = strings.TrimSpace(v.GetString("reputation_url"))
	cfg.reputationTimeout = v.GetDuration("reputation_timeout")
	cfg.reputationTTL = v.GetDuration("reputation_ttl")
	cfg.reputationGrace = v.GetDuration("reputation_grace")
	cfg.reputationFailures = v.GetUint32("reputation_breaker_failures")
	cfg.reputationCooldown = v.GetDuration("reputation_breaker_cooldown")

	cfg.gateStaleAfter = v.GetDuration("gate_stale_after")
	cfg.gateSweepEvery = v.GetDuration("gate_sweep_every")

	cfg.subscriptionsMaxPerConn = v.GetInt("subscriptions_max_per_conn")
	cfg.sendQueue = v.GetInt("send_queue")
	cfg.presenceEvery = v.GetDuration("presence_every")

	cfg.newConnMargin = v.GetDuration("cooldown_new_conn_margin")
	cfg.globalFactor = v.GetFloat64("cooldown_global_factor")
	if err := v.UnmarshalKey("rank_countries", &cfg.rankCountries); err != nil {
		return config{}, fmt.Errorf("rank_countries: %w", err)
	}

	cfg.userHeader = v.GetString("user_header")
	cfg.countryHeader = v.GetString("country_header")

	cfg.statsEnabled = v.GetBool("stats_enabled")
	cfg.statsPrefix = v.GetString("stats_prefix")
	cfg.statsTTL = v.GetDuration("stats_ttl")
	cfg.statsBucket = v.GetString("stats_bucket")
	cfg.statsTrackIdentities = v.GetBool("stats_track_identities")

	if cfg.catalogPath == "" {
		return config{}, errors.New("CANVAS_CATALOG is required")
	}
	if cfg.statsEnabled && cfg.redisAddr == "" {
		return config{}, errors.New("REDIS_ADDR is required when STATS_ENABLED=true")
	}
	if cfg.rateEnabled && cfg.rateRPS <= 0 {
		return config{}, errors.New("RATE_RPS must be > 0")
	}
	if cfg.rateEnabled && cfg.rateBurst <= 0 {
		return config{}, errors.New("RATE_BURST must be > 0")
	}
	if cfg.concurrencyMax < 0 {
		return config{}, errors.New("CONCURRENCY_MAX must be >= 0")
	}
	if cfg.floodRPS <= 0 || cfg.floodBurst <= 0 {
		return config{}, errors.New("FLOOD_RPS and FLOOD_BURST must be > 0")
	}
	if cfg.workersMax <= 0 {
		return config{}, errors.New("WORKERS_MAX must be > 0")
	}
	if cfg.subscriptionsMaxPerConn < 0 {
		return config{}, errors.New("SUBSCRIPTIONS_MAX_PER_CONN must be >= 0")
	}
	if cfg.globalFactor < 0 {
		return config{}, errors.New("COOLDOWN_GLOBAL_FACTOR must be >= 0")
	}
	if cfg.reputationURL != "" && cfg.reputationTimeout <= 0 {
		return config{}, errors.New("REPUTATION_TIMEOUT must be > 0")
	}
	return cfg, nil
}
