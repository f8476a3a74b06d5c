package boxprovider

import (
	"fmt"

	"github.com/joeshaw/envdecode"
)

// Config locates the identity directory service. Defaults point at the
// public directory; deployments override them via the environment.
type Config struct {
	// ResolveURL answers identity resolution queries. ENV: TMCP_RESOLVE_URL
	ResolveURL string `env:"TMCP_RESOLVE_URL,default=https://did.teaspoon.world/resolve"`
	// PublishURL accepts identity document publications. ENV: TMCP_PUBLISH_URL
	PublishURL string `env:"TMCP_PUBLISH_URL,default=https://did.teaspoon.world/publish"`
	// HistoryURL accepts history publications. ENV: TMCP_HISTORY_URL
	HistoryURL string `env:"TMCP_HISTORY_URL,default=https://did.teaspoon.world/history"`
	// History controls whether created identities carry a signed history
	// chain requiring a second publication. ENV: TMCP_DID_HISTORY
	History bool `env:"TMCP_DID_HISTORY,default=true"`
}

// ConfigFromEnv loads Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode directory config: %w", err)
	}
	return cfg, nil
}
