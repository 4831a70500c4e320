package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/gateway.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/gateway.log"`
	TargetsPath  string `envconfig:"TARGETS_PATH" default:"/app/data/targets.yaml"`
	UsersPath    string `envconfig:"USERS_PATH" default:"/app/data/users.yaml"`

	// Session lifecycle
	IdleTimeout          time.Duration `envconfig:"IDLE_TIMEOUT" default:"3m"`
	ReapInterval         time.Duration `envconfig:"REAP_INTERVAL" default:"30s"`
	RecordTTL            time.Duration `envconfig:"RECORD_TTL" default:"24h"`
	MaxSessionsPerTarget int           `envconfig:"MAX_SESSIONS_PER_TARGET" default:"100"`
	HistoryLimit         int           `envconfig:"HISTORY_LIMIT" default:"102400"`

	// Connection pool
	MaxChannelsPerConn int           `envconfig:"MAX_CHANNELS_PER_CONN" default:"10"`
	ConnectTimeout     time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`

	// One-shot command execution
	ExecSettleWait time.Duration `envconfig:"EXEC_SETTLE_WAIT" default:"5s"`

	// Docker API proxy
	DockerCacheTTL    time.Duration `envconfig:"DOCKER_CACHE_TTL" default:"3s"`
	DockerConcurrency int64         `envconfig:"DOCKER_CONCURRENCY" default:"15"`
	DockerPermitWait  time.Duration `envconfig:"DOCKER_PERMIT_WAIT" default:"15s"`

	// Cross-host file copy
	DirectCopyTimeout time.Duration `envconfig:"DIRECT_COPY_TIMEOUT" default:"60s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("GATEWAY", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
