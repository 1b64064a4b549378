package utils

import "os"

const (
	envName  = "ALERTS_ENV"
	prodName = "prod"
)

// IsProdEnv returns true when the service runs in production. Metrics export
// and strict config validation only happen in prod.
func IsProdEnv() bool {
	return os.Getenv(envName) == prodName
}

// GetEnv returns the current environment name, or "dev" when unset.
func GetEnv() string {
	if env := os.Getenv(envName); env != "" {
		return env
	}
	return "dev"
}
