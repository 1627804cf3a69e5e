// Package kafka holds the Kafka cluster settings shared by the Kafka source
// and the Kafka dead-letter publisher, and turns them into franz-go options.
package kafka

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// PasswordEnv names the environment variable holding the SASL password.
const PasswordEnv = "STOWAGE_KAFKA_PASSWORD"

// ClusterConfig defines a Kafka cluster with authentication and TLS settings.
type ClusterConfig struct {
	Brokers     []string      `yaml:"brokers"`
	ClientID    string        `yaml:"clientId,omitempty"`
	DialTimeout time.Duration `yaml:"dialTimeout,omitempty"`
	Auth        AuthConfig    `yaml:"auth,omitempty"`
	TLS         TLSConfig     `yaml:"tls,omitempty"`
}

// AuthConfig defines SASL authentication for Kafka. The password is never
// read from the config file.
type AuthConfig struct {
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"-"`
}

// TLSConfig defines TLS settings for Kafka connections.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"` // For mTLS
	KeyFile    string `yaml:"keyFile,omitempty"`  // For mTLS
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

// ApplyEnv fills the SASL password from STOWAGE_KAFKA_PASSWORD.
func (c *ClusterConfig) ApplyEnv() {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		c.Auth.Password = pw
	}
}

// Validate checks the cluster configuration for errors.
func (c *ClusterConfig) Validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	if c.DialTimeout < 0 {
		errs = append(errs, errors.New("dialTimeout cannot be negative"))
	}

	if c.Auth.Mechanism != "" {
		switch c.Auth.Mechanism {
		case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			errs = append(errs, fmt.Errorf("auth.mechanism %q is not valid (must be PLAIN, SCRAM-SHA-256, or SCRAM-SHA-512)", c.Auth.Mechanism))
		}
		if c.Auth.Username == "" {
			errs = append(errs, errors.New("auth.username is required when mechanism is set"))
		}
		if c.Auth.Password == "" {
			errs = append(errs, fmt.Errorf("%s is required when auth.mechanism is set", PasswordEnv))
		}
	}

	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
		errs = append(errs, errors.New("tls.keyFile is required when certFile is specified"))
	}
	if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
		errs = append(errs, errors.New("tls.certFile is required when keyFile is specified"))
	}

	return errors.Join(errs...)
}
