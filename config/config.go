package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr  string  `env:"LISTEN_ADDR, default=0.0.0.0:6781"`
	DBPath      string  `env:"DB_PATH, default=loom.db"`
	LogDir      string  `env:"LOG_DIR, default=/var/log/loom"`
	ArtifactDir string  `env:"ARTIFACT_DIR, default=/var/lib/loom/artifacts"`
	CoverageURL string  `env:"COVERAGE_URL"` // merged reports are POSTed here when set
	Dev         bool    `env:"DEV, default=false"`
	Secrets     Secrets `env:",prefix=SECRETS_"`
}

type Secrets struct {
	Provider string        `env:"PROVIDER, default=sqlite"`
	OpenBao  OpenBaoConfig `env:",prefix=OPENBAO_"`
}

type OpenBaoConfig struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=loom"`
}

type Runner struct {
	// Driver selects how jobs execute: "docker" provisions one
	// container per step, "host" runs steps directly on this machine.
	Driver       string   `env:"DRIVER, default=docker"`
	DefaultImage string   `env:"DEFAULT_IMAGE"`
	MaxParallel  int      `env:"MAX_PARALLEL, default=4"`
	JobTimeout   string   `env:"JOB_TIMEOUT, default=30m"`
	Platforms    []string `env:"PLATFORMS"`
	QueueSize    int      `env:"QUEUE_SIZE, default=100"`
	Workers      int      `env:"WORKERS, default=2"`
}

type Config struct {
	Server Server `env:",prefix=LOOM_SERVER_"`
	Runner Runner `env:",prefix=LOOM_RUNNER_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
