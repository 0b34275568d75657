package ops

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/yanun0323/errors"
)

// Config is the process configuration, read from the environment. The
// trading universe and limits live in the JSON file named by ConfigFile so
// operators can change them without a new environment.
type Config struct {
	App     AppConfig     `envPrefix:"APP_"`
	Store   StoreConfig   `envPrefix:"STORE_"`
	Mirror  MirrorConfig  `envPrefix:"MIRROR_"`
	Profile ProfileConfig `envPrefix:"PROFILE_"`
}

// AppConfig controls the HTTP surface and daemon behavior.
type AppConfig struct {
	Name          string        `env:"NAME" envDefault:"routerd"`
	Port          int           `env:"PORT" envDefault:"8080"`
	ConfigFile    string        `env:"CONFIG_FILE" envDefault:"config.json"`
	SendTimeout   time.Duration `env:"SEND_TIMEOUT" envDefault:"5s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`
	ReloadEvery   time.Duration `env:"RELOAD_EVERY" envDefault:"30s"`
}

// StoreConfig selects the event store and idempotency backends.
type StoreConfig struct {
	Path string `env:"PATH" envDefault:"router.db"`
	// PostgresDSN switches the idempotency index to Postgres when set;
	// empty keeps it on the event store's SQLite database.
	PostgresDSN string `env:"POSTGRES_DSN"`
}

// MirrorConfig controls the Kafka event mirror. Disabled when Brokers is
// empty.
type MirrorConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"order-events"`
}

// ProfileConfig controls continuous profiling. Disabled when Address is
// empty.
type ProfileConfig struct {
	Address string `env:"ADDRESS"`
	Name    string `env:"NAME" envDefault:"routerd"`
}

// Load reads the environment, honoring a .env file when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	return cfg, nil
}
