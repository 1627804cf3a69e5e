package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// mechanisms maps a configured SASL mechanism name to its franz-go builder.
var mechanisms = map[string]func(user, pass string) sasl.Mechanism{
	"PLAIN": func(user, pass string) sasl.Mechanism {
		return plain.Auth{User: user, Pass: pass}.AsMechanism()
	},
	"SCRAM-SHA-256": func(user, pass string) sasl.Mechanism {
		return scram.Auth{User: user, Pass: pass}.AsSha256Mechanism()
	},
	"SCRAM-SHA-512": func(user, pass string) sasl.Mechanism {
		return scram.Auth{User: user, Pass: pass}.AsSha512Mechanism()
	},
}

// Options returns the connection options for the cluster. Callers append
// their role specific options (consumer group, acks) to the result.
func (c *ClusterConfig) Options() ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	if c.DialTimeout > 0 {
		opts = append(opts, kgo.DialTimeout(c.DialTimeout))
	}

	if c.Auth.Mechanism != "" {
		build, ok := mechanisms[c.Auth.Mechanism]
		if !ok {
			return nil, fmt.Errorf("sasl: unsupported mechanism %q", c.Auth.Mechanism)
		}
		opts = append(opts, kgo.SASL(build(c.Auth.Username, c.Auth.Password)))
	}

	if c.TLS.Enabled {
		tlsCfg, err := c.TLS.load()
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	return opts, nil
}

// load reads the CA bundle and client key pair named by the settings.
func (t TLSConfig) load() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.SkipVerify, //nolint:gosec // opt-in for local brokers
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}

	if t.CertFile != "" && t.KeyFile != "" {
		pair, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
