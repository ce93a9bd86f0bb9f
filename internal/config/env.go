package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "PULSE"

// Env holds the process-level overrides read from the environment
// (PULSE_CONFIG, PULSE_LOG_LEVEL).
type Env struct {
	Config   string `envconfig:"CONFIG"`
	LogLevel string `envconfig:"LOG_LEVEL"`
}

// LoadEnv loads dotenv files and then reads the PULSE_* variables. Missing
// files are skipped; a malformed one is an error. Variables already set in the
// process win over the files.
func LoadEnv(dotenvFiles ...string) (Env, error) {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return Env{}, err
	}
	return env, nil
}
