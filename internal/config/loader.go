package config

import (
	"fmt"

	"github.com/joho/godotenv"
)

// Loader optionally seeds the process environment from a .env file
// before Load reads it. Production deployments set real environment
// variables and never need this; it exists purely for local development,
// the way the teacher's config loader offered the same convenience.
type Loader struct {
	useDotEnv bool
}

// NewLoader returns a loader that attempts to load a .env file.
func NewLoader() *Loader {
	return &Loader{useDotEnv: true}
}

// WithDotEnv toggles .env loading; tests disable it to keep the
// environment hermetic.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// Load seeds the environment (if enabled) then parses it into a Config.
func (l *Loader) Load() (*Config, error) {
	if l.useDotEnv {
		if err := godotenv.Load(); err != nil {
			fmt.Println("no .env file found, using process environment")
		}
	}
	return Load()
}
