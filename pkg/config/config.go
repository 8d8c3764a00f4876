// Package config reads the daemon's own configuration file
// (~/_mypaas/config.toml by convention): the admin init settings and
// the secret map consulted by the manifest parser for bare env
// directives.
package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/cuemby/paasd/pkg/paaserr"
)

// InitConfig carries the admin-facing settings written by the
// (out-of-scope) interactive init wizard.
type InitConfig struct {
	Domain       string `toml:"domain"`
	Email        string `toml:"email"`
	AuthUser     string `toml:"auth_user"`
	AuthPassHash string `toml:"auth_pass_hash"`
}

// Config is the parsed contents of config.toml: the [init] table and
// the [env] secret map.
type Config struct {
	Init InitConfig        `toml:"init"`
	Env  map[string]string `toml:"env"`
}

// Load reads and parses the TOML file at path. A missing file is not
// an error: it returns a zero-value Config, matching a freshly
// installed daemon that has not yet been through `server init`.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{Env: map[string]string{}}, nil
	}
	if err != nil {
		return nil, paaserr.New(paaserr.Config, "config.Load", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, paaserr.New(paaserr.Config, "config.Load", err)
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	return &cfg, nil
}

// HashPassword bcrypt-hashes password for storage in InitConfig's
// AuthPassHash field (written once by `server init`).
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", paaserr.New(paaserr.Config, "config.HashPassword", err)
	}
	return string(hash), nil
}

// VerifyPassword checks password against the configured basic-auth
// hash, guarding the stats dashboard and daemon's operator-facing
// surface.
func (c InitConfig) VerifyPassword(password string) bool {
	if c.AuthPassHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.AuthPassHash), []byte(password)) == nil
}
