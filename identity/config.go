package identity

import (
	"fmt"

	"github.com/joeshaw/envdecode"
)

// Config controls how new DIDs are minted. Defaults can be loaded from the
// environment via ConfigFromEnv.
type Config struct {
	// DIDFormat is the template a new DID is derived from; "{name}" is
	// replaced with "<alias>-<random suffix>". ENV: TMCP_DID_FORMAT
	DIDFormat string `env:"TMCP_DID_FORMAT,default=did.teaspoon.world/endpoint/{name}"`

	// Transport is the endpoint recorded in a newly created identity
	// document. Clients are not publicly reachable, hence the default
	// client pseudo-scheme. ENV: TMCP_TRANSPORT
	Transport string `env:"TMCP_TRANSPORT,default=tmcpclient://"`

	// MaxNameLength bounds the "{name}" substitution; longer names are
	// truncated. ENV: TMCP_MAX_NAME_LENGTH
	MaxNameLength int `env:"TMCP_MAX_NAME_LENGTH,default=63"`
}

// ConfigFromEnv loads Config from the environment, applying defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode identity config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DIDFormat == "" {
		c.DIDFormat = "did.teaspoon.world/endpoint/{name}"
	}
	if c.Transport == "" {
		c.Transport = "tmcpclient://"
	}
	if c.MaxNameLength <= 0 {
		c.MaxNameLength = 63
	}
}
