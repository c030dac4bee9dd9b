package database

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Defaults mirror spec.md 6's "Database options" table:
// {directory: "<cwd>/neisandb", concurrency: 25 in [1,100]}.
const (
	DefaultDirectory   = "neisandb"
	DefaultConcurrency = 25
	MinConcurrency     = 1
	MaxConcurrency     = 100
)

// Config is the §6 "database options" object.
type Config struct {
	Directory   string
	Concurrency int
}

// LoadConfig layers configuration the way catalinm00/KVDB's
// internal/platform/config package does: a .env file (via godotenv) fills
// in environment variables, which fill in for hardcoded defaults. It does
// not touch the process's flags - cmd/neisandb passes the result in as
// kong.Vars so command-line flags, parsed separately, still win over
// whatever LoadConfig resolves.
func LoadConfig() Config {
	godotenv.Load(".env")

	cfg := Config{Directory: DefaultDirectory, Concurrency: DefaultConcurrency}

	if v := os.Getenv("NEISANDB_DIRECTORY"); v != "" {
		cfg.Directory = v
	}
	if v := os.Getenv("NEISANDB_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}

	return cfg.clamped()
}

func (c Config) clamped() Config {
	if c.Directory == "" {
		c.Directory = DefaultDirectory
	}
	if c.Concurrency < MinConcurrency {
		c.Concurrency = MinConcurrency
	}
	if c.Concurrency > MaxConcurrency {
		c.Concurrency = MaxConcurrency
	}
	return c
}
