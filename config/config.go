// Package config reads the external key/value file that supplies a
// rcon connection's parameters. It is a collaborator, not part of the
// protocol engine: battleye never requires this file to exist.
package config

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var line = regexp.MustCompile(`^([a-zA-Z]\w*)\s+(.*)$`)

// Config is the parsed form of a rcon config file: rconpassword,
// rconport, rconip, maxping.
type Config struct {
	Password string `validate:"required"`
	IP       string `validate:"required,ip"`
	Port     int    `validate:"min=1,max=65535"`
	MaxPing  int    `validate:"min=0"`
}

// Default returns the field values used when the file is silent on a
// given key.
func Default() Config {
	return Config{
		IP:      "0.0.0.0",
		Port:    2310,
		MaxPing: 30000,
	}
}

var validate = validator.New()

// Load reads path as a sequence of "key value" lines, case-insensitive
// on the key, and overlays whatever it finds onto Default(). A
// malformed line is ignored; an invalid final Config (bad port range,
// empty password) is reported as a validation error.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	cfg := Default()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		m := line.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		key := strings.ToLower(m[1])
		val := strings.TrimSpace(m[2])

		switch key {
		case "rconpassword":
			cfg.Password = val
		case "rconip":
			cfg.IP = val
		case "rconport":
			port, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("config: invalid rconport %q: %w", val, err)
			}
			cfg.Port = port
		case "maxping":
			maxPing, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("config: invalid maxping %q: %w", val, err)
			}
			cfg.MaxPing = maxPing
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
