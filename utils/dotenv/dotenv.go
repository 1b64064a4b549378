package dotenv

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
)

const envVar = "ALERTS_ENV"

// LoadDotEnvs loads .env and, if present, the env specific .env.<ALERTS_ENV>
// file from the working directory. Variables already set in the process
// environment win.
func LoadDotEnvs() error {
	files := []string{}
	if env := os.Getenv(envVar); env != "" {
		files = append(files, ".env."+env)
	}
	files = append(files, ".env")
	return loadExisting(files)
}

// LoadDotEnvsInTests loads the repository root .env regardless of which
// package directory the test binary runs in.
func LoadDotEnvsInTests() error {
	_, b, _, _ := runtime.Caller(0)
	root := filepath.Join(filepath.Dir(b), "..", "..")
	return loadExisting([]string{filepath.Join(root, ".env.test"), filepath.Join(root, ".env")})
}

func loadExisting(files []string) error {
	existing := []string{}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}
