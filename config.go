package detour

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// ConfigEnv names a TOML file read by ConfigFromEnv.
const ConfigEnv = "GODETOUR_CONFIG"

const defaultArenaSize = 64 * 1024

// Config tunes code generation and stub memory.
type Config struct {
	// AltEntry enables alternate entry points, which keep the original
	// implementation of a detoured function callable.
	AltEntry bool `toml:"alt_entry"`
	// ArenaSize is the initial size of the executable arena in bytes.
	ArenaSize int `toml:"arena_size"`
	// AllowRelay permits jumping through an allocated stub when no direct
	// jump fits at the patched address.
	AllowRelay bool `toml:"allow_relay"`
}

func DefaultConfig() Config {
	return Config{
		AltEntry:   true,
		ArenaSize:  defaultArenaSize,
		AllowRelay: true,
	}
}

// ParseConfig decodes TOML on top of the defaults. Unknown keys are errors.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse error: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}

	if cfg.ArenaSize <= 0 {
		return Config{}, fmt.Errorf("arena_size must be positive, got %d", cfg.ArenaSize)
	}
	return cfg, nil
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ConfigFromEnv loads the file named by GODETOUR_CONFIG, or returns the
// defaults when it isn't set.
func ConfigFromEnv() (Config, error) {
	path, ok := os.LookupEnv(ConfigEnv)
	if !ok || path == "" {
		return DefaultConfig(), nil
	}

	cfg, err := LoadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warningf("%s names a missing file, using defaults: %s", ConfigEnv, path)
		return DefaultConfig(), nil
	}
	return cfg, err
}
