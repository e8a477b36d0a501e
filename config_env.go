package authgate

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadConfigFromEnv,
// e.g. AUTHGATE_ACCESS_TOKEN_TTL.
const EnvPrefix = "AUTHGATE_"

// LoadConfigFromEnv overlays environment variables on DefaultConfig. A .env
// file in the working directory is loaded first when present; variables
// already set in the process environment win over it.
//
// Key material ([]byte fields) is read as standard base64. *_FILE variables
// point at files holding the raw key bytes instead.
func LoadConfigFromEnv(dotenvFiles ...string) (Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load dotenv: %w", err)
	}

	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: EnvPrefix,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf([]byte(nil)): parseBase64,
		},
	}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.loadKeyFiles(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML file over DefaultConfig. Durations use Go
// syntax ("15m", "168h").
func LoadConfigFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.loadKeyFiles(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadKeyFiles() error {
	for _, f := range []struct {
		path string
		dst  *[]byte
	}{
		{c.JWT.PrivateKeyFile, &c.JWT.PrivateKey},
		{c.JWT.PublicKeyFile, &c.JWT.PublicKey},
		{c.APIKey.PepperFile, &c.APIKey.Pepper},
	} {
		if f.path == "" {
			continue
		}
		raw, err := os.ReadFile(f.path)
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
		*f.dst = raw
	}
	return nil
}

func parseBase64(v string) (interface{}, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key material: %w", err)
	}
	return raw, nil
}
