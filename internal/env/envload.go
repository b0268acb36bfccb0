package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EnvFile names an explicit dotenv file, skipping the upward search.
const EnvFile = "BACKUPAGENT_ENV_FILE"

const dotEnvName = ".env"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads the agent's dotenv file once per process. Variables already
// present in the environment win over the file. Under go test nothing is
// loaded unless GOTEST_LOAD_DOTENV=1.
func Ensure() error {
	if testing.Testing() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		loadedPath, loadErr = load()
	})
	return loadErr
}

// LoadedPath returns the dotenv file Ensure loaded, or "".
func LoadedPath() string {
	return loadedPath
}

func load() (string, error) {
	path, err := resolve()
	if err != nil {
		log.Debug().Err(err).Msg("backupagent: locate dotenv failed")
		return "", err
	}
	if path == "" {
		return "", nil
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("dotenv", path).Msg("backupagent: load dotenv failed")
		return "", errors.Wrapf(err, "load %s", path)
	}
	log.Debug().Str("dotenv", path).Msg("backupagent: loaded dotenv")
	return path, nil
}

// resolve returns BACKUPAGENT_ENV_FILE when set, else the nearest .env at or
// above the working directory. An empty result means there is none.
func resolve() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvFile)); explicit != "" {
		return explicit, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "get working directory")
	}
	return searchUp(wd, dotEnvName)
}

func searchUp(dir, name string) (string, error) {
	for {
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err != nil && !os.IsNotExist(err):
			return "", errors.Wrapf(err, "stat %s", candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
