package htshare

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// BrokerConfig is the broker's runtime configuration, loaded from BROKER_*
// environment variables.
type BrokerConfig struct {
	// Host and Port are the public HTTP bind address.
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port int    `envconfig:"PORT" default:"8080"`

	// Domain is the root domain tunnels hang off of ("example.com" serves
	// client "abc" at "abc.example.com"). Empty means the first host label
	// of a Host header with three or more labels is treated as the client id.
	Domain string `envconfig:"DOMAIN"`

	// Secure selects https:// in tunnel URLs handed back at creation. The
	// broker itself never terminates TLS; that is the front end's job.
	Secure bool `envconfig:"SECURE"`

	// MaxTCPSockets caps the tunnel sockets each client may keep open.
	MaxTCPSockets int `envconfig:"MAX_TCP_SOCKETS" default:"10"`

	// GracePeriod is how long a client may sit with no tunnel sockets
	// before it is reaped.
	GracePeriod time.Duration `envconfig:"GRACE_PERIOD" default:"1s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadBrokerConfig reads BrokerConfig from the environment.
func LoadBrokerConfig() (*BrokerConfig, error) {
	var cfg BrokerConfig
	if err := envconfig.Process("broker", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
