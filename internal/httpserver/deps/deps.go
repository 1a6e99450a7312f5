package deps

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/status"
)

type Deps struct {
	Logger        logger.Logger
	StartTime     time.Time
	Version       string
	Commit        string
	BuildDate     string
	GoVersion     string
	TimeNow       func() time.Time    // for testing, defaults to time.Now
	AllowedCIDRS  []string            // IPs allowed to reach the status surface
	TrustProxy    bool                // true if running behind a trusted reverse proxy
	Registry      *status.Registry    // per-service status snapshots
	Gatherer      prometheus.Gatherer // served at /metrics, nil disables it
	CensusBackend string              // "memory" | "redis"
	RedisClient   *redis.Client       // nil unless the census lives in redis
	RedactConfig  bool                // hide merged service config
	Ready         func() bool         // true once the first tick completed
	ReloadTrigger chan struct{}       // channel to trigger a manual tick
	ReloadLimit   ReloadLimit
}

// ReloadLimit bounds how often one client may trigger a manual tick.
type ReloadLimit struct {
	PerMinute int
	Burst     int
}
