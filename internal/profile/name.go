package profile

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/matheus3301/chatsync/internal/config"
)

// DefaultName is the profile used when nothing selects another one.
const DefaultName = "main"

// EnvName selects a profile for every command run in the environment.
const EnvName = "CHATSYNC_PROFILE"

// ErrInvalidName reports a profile name that cannot be a directory under
// BaseDir.
var ErrInvalidName = errors.New("invalid profile name")

var validName = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName accepts 1 to 64 lowercase letters, digits, '-' or '_'.
func ValidateName(name string) error {
	if validName.MatchString(name) {
		return nil
	}
	return fmt.Errorf("%w %q: use 1-64 of [a-z0-9_-]", ErrInvalidName, name)
}

// Resolve picks the active profile. The --profile flag wins, then
// $CHATSYNC_PROFILE, then default_profile from config.toml.
func Resolve(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvName); env != "" {
		return env
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}

// Select resolves and validates the profile in one step.
func Select(flag string) (string, error) {
	name := Resolve(flag)
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
