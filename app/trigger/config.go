package trigger

import (
	"os"
	"time"

	"github.com/b3x-data/b3x/pkg/launcher"
	"github.com/b3x-data/b3x/pkg/retry"
	"github.com/b3x-data/b3x/pkg/utils"
)

// Config of the trigger service, read once from the environment.
type Config struct {
	Addr string

	RawBucket     string
	RawPrefix     string
	RawSuffix     string
	RefinedPrefix string

	DedupBackend string // memory or redis
	DedupWindow  time.Duration

	StreamEnabled bool
	Stream        string
	Group         string
	Consumer      string

	Invoker          string // temporal or kube
	Launch           launcher.Config
	BreakerThreshold int
	BreakerCooldown  time.Duration

	DispatchWorkers int
	SweepCron       string // empty disables the catch-up sweep

	WebhookToken     string
	WebhookJWTSecret []byte
}

// LoadConfig reads the trigger configuration.
func LoadConfig() Config {
	host, _ := os.Hostname()

	launch := launcher.DefaultConfig()
	launch.TargetPrefix = utils.Env("REFINED_PREFIX", "refined/")
	launch.Retry = retry.Config{
		MaxAttempts:   utils.EnvInt("LAUNCH_MAX_ATTEMPTS", launch.Retry.MaxAttempts),
		InitialDelay:  utils.EnvDuration("LAUNCH_INITIAL_DELAY", launch.Retry.InitialDelay),
		MaxDelay:      utils.EnvDuration("LAUNCH_MAX_DELAY", launch.Retry.MaxDelay),
		Multiplier:    launch.Retry.Multiplier,
		JitterEnabled: utils.EnvBool("LAUNCH_JITTER", true),
	}
	launch.LaunchTimeout = utils.EnvDuration("LAUNCH_TIMEOUT", launch.LaunchTimeout)
	launch.PollInterval = utils.EnvDuration("LAUNCH_POLL_INTERVAL", launch.PollInterval)
	launch.PollMaxInterval = utils.EnvDuration("LAUNCH_POLL_MAX_INTERVAL", launch.PollMaxInterval)
	launch.PollTimeout = utils.EnvDuration("LAUNCH_POLL_TIMEOUT", launch.PollTimeout)
	if cpu := utils.Env("REFINERY_CPU", ""); cpu != "" {
		launch.WorkerSizing = map[string]string{"cpu": cpu, "memory": utils.Env("REFINERY_MEM", "1Gi")}
	}

	return Config{
		Addr: utils.Env("ADDR", ":3010"),

		RawBucket:     utils.Env("RAW_BUCKET", "b3x-raw"),
		RawPrefix:     utils.Env("RAW_PREFIX", "raw/"),
		RawSuffix:     utils.Env("RAW_SUFFIX", ".parquet"),
		RefinedPrefix: launch.TargetPrefix,

		DedupBackend: utils.Env("DEDUP_BACKEND", "redis"),
		DedupWindow:  utils.EnvDuration("DEDUP_WINDOW", 10*time.Minute),

		StreamEnabled: utils.EnvBool("REDIS_ENABLED", true),
		Stream:        utils.Env("REDIS_NOTIFICATION_STREAM", "b3x:notifications"),
		Group:         utils.Env("REDIS_CONSUMER_GROUP", "trigger"),
		Consumer:      utils.Env("REDIS_CONSUMER", host),

		Invoker:          utils.Env("INVOKER", "temporal"),
		Launch:           launch,
		BreakerThreshold: utils.EnvInt("LAUNCH_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  utils.EnvDuration("LAUNCH_BREAKER_COOLDOWN", 30*time.Second),

		DispatchWorkers: utils.EnvInt("DISPATCH_WORKERS", 16),
		SweepCron:       utils.Env("SWEEP_CRON", "0 */15 * * * *"),

		WebhookToken:     utils.Env("WEBHOOK_TOKEN", ""),
		WebhookJWTSecret: []byte(utils.Env("WEBHOOK_JWT_SECRET", "")),
	}
}
