package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/tend/internal/utils"
)

const (
	CensusMemory = "memory"
	CensusRedis  = "redis"
)

type Config struct {
	ListenAddr      string        // ex: ":9631"
	ShutdownTimeout time.Duration // ex: 5s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	SpecDir        string        // directory of <service>.yaml specs
	SvcRoot        string        // rendered hooks/config/files live under <SvcRoot>/<service>
	PkgRoot        string        // package dirs resolved relative to this when a spec path is relative
	UserConfigRoot string        // user.toml lives under <UserConfigRoot>/<service>/user.toml
	EnvPrefix      string        // env override is <EnvPrefix>_<PKG_NAME>
	TickInterval   time.Duration // census poll interval
	SpecInterval   time.Duration // spec dir reload interval
	HookTimeout    time.Duration // max run time of a synchronous hook
	HealthInterval time.Duration // default health check interval
	RedactConfig   bool          // hide merged config from the status surface

	MemberID string // this supervisor's census member id
	Hostname string
	SysIP    string

	CensusBackend string // "memory" | "redis"

	// Redis
	RedisAddr           string        // ex: "localhost:6379"
	RedisUser           string        // optional
	RedisPassword       string        // optional
	RedisDB             int           // Redis DB number
	RedisDT             time.Duration // dial timeout
	RedisRT             time.Duration // read timeout
	RedisWT             time.Duration // write timeout
	RedisMaxWait        time.Duration // max wait between retries
	RedisPingTimeout    time.Duration // timeout for each ping attempt
	RedisPoolSize       int           // connection pool size
	RedisConnectTimeout time.Duration // total time to retry connecting
	RedisRetryInterval  time.Duration // initial wait between retries, grows exponentially
	RedisWarnThreshold  int           // warn after this many attempts
	StatusTTL           time.Duration // ttl of published service status records

	AllowedCIDRS []string // optional, restrict the status surface to these IPs/CIDRs
	TrustProxy   bool     // true => trust X-Forwarded-For headers

	ReloadPerMinute int // manual ticks allowed per client per minute
	ReloadBurst     int
}

func Load() *Config {
	host, _ := os.Hostname()

	cfg := &Config{
		ListenAddr:      getenv("TEND_LISTEN_ADDR", ":9631"),
		ShutdownTimeout: mustDuration("TEND_SHUTDOWN_TIMEOUT", 5*time.Second),

		LogLevel:  getenv("TEND_LOG_LEVEL", "info"),
		PrettyLog: mustBool("TEND_PRETTY_LOG", true),

		SpecDir:        getenv("TEND_SPEC_DIR", "/var/lib/tend/specs"),
		SvcRoot:        getenv("TEND_SVC_ROOT", "/var/lib/tend/svc"),
		PkgRoot:        getenv("TEND_PKG_ROOT", "/var/lib/tend/pkgs"),
		UserConfigRoot: getenv("TEND_USER_CONFIG_ROOT", "/etc/tend/user"),
		EnvPrefix:      getenv("TEND_ENV_PREFIX", "TEND"),
		TickInterval:   mustDuration("TEND_TICK_INTERVAL", time.Second),
		SpecInterval:   mustDuration("TEND_SPEC_INTERVAL", 30*time.Second),
		HookTimeout:    mustDuration("TEND_HOOK_TIMEOUT", 30*time.Second),
		HealthInterval: mustDuration("TEND_HEALTH_INTERVAL", 30*time.Second),
		RedactConfig:   mustBool("TEND_REDACT_CONFIG", true),

		MemberID: getenv("TEND_MEMBER_ID", uuid.NewString()),
		Hostname: getenv("TEND_HOSTNAME", host),
		SysIP:    getenv("TEND_SYS_IP", utils.DefaultIP()),

		CensusBackend: strings.ToLower(getenv("TEND_CENSUS_BACKEND", CensusMemory)),

		RedisAddr:           getenv("TEND_REDIS_ADDR", "localhost:6379"),
		RedisUser:           getenv("TEND_REDIS_USERNAME", ""),
		RedisPassword:       getenv("TEND_REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("TEND_REDIS_DB", 0),
		RedisDT:             mustDuration("TEND_REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:             mustDuration("TEND_REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:             mustDuration("TEND_REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:        mustDuration("TEND_REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:    mustDuration("TEND_REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:       getenvInt("TEND_REDIS_POOL_SIZE", 10),
		RedisConnectTimeout: mustDuration("TEND_REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:  mustDuration("TEND_REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:  getenvInt("TEND_REDIS_WARN_THRESHOLD", 3),
		StatusTTL:           mustDuration("TEND_STATUS_TTL", 5*time.Minute),

		AllowedCIDRS: parseAllowedIPs(getenv("TEND_ALLOWED_CIDRS", "")),
		TrustProxy:   mustBool("TEND_TRUST_PROXY", false),

		ReloadPerMinute: getenvInt("TEND_RELOAD_PER_MINUTE", 6),
		ReloadBurst:     getenvInt("TEND_RELOAD_BURST", 3),
	}

	switch cfg.CensusBackend {
	case CensusMemory:
	case CensusRedis:
		cfg.RedisAddr = requireEnv("TEND_REDIS_ADDR")
	default:
		panic(fmt.Sprintf("❌ FATAL: TEND_CENSUS_BACKEND must be %q or %q, got %q",
			CensusMemory, CensusRedis, cfg.CensusBackend))
	}

	if cfg.TickInterval <= 0 {
		panic(fmt.Sprintf("❌ FATAL: TEND_TICK_INTERVAL must be > 0, got %v", cfg.TickInterval))
	}

	if cfg.SpecInterval <= 0 {
		cfg.SpecInterval = 30 * time.Second
	}
	if cfg.StatusTTL < 2*time.Second {
		cfg.StatusTTL = 5 * time.Minute
	}

	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		if cfgCopy.RedisPassword != "" {
			cfgCopy.RedisPassword = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
