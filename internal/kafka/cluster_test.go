package kafka

import (
	"strings"
	"testing"
)

func TestClusterConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClusterConfig
		wantErr string
	}{
		{
			name: "minimal",
			cfg:  ClusterConfig{Brokers: []string{"localhost:9092"}},
		},
		{
			name: "scram with password",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9092"},
				Auth:    AuthConfig{Mechanism: "SCRAM-SHA-512", Username: "sink", Password: "pw"},
			},
		},
		{
			name:    "no brokers",
			cfg:     ClusterConfig{},
			wantErr: "brokers are required",
		},
		{
			name: "unknown mechanism",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9092"},
				Auth:    AuthConfig{Mechanism: "GSSAPI", Username: "sink", Password: "pw"},
			},
			wantErr: "auth.mechanism",
		},
		{
			name: "missing password",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9092"},
				Auth:    AuthConfig{Mechanism: "PLAIN", Username: "sink"},
			},
			wantErr: PasswordEnv,
		},
		{
			name: "cert without key",
			cfg: ClusterConfig{
				Brokers: []string{"localhost:9092"},
				TLS:     TLSConfig{Enabled: true, CertFile: "client.pem"},
			},
			wantErr: "tls.keyFile",
		},
		{
			name: "negative dial timeout",
			cfg: ClusterConfig{
				Brokers:     []string{"localhost:9092"},
				DialTimeout: -1,
			},
			wantErr: "dialTimeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestClusterConfig_ApplyEnv(t *testing.T) {
	t.Setenv(PasswordEnv, "from-env")
	cfg := ClusterConfig{Brokers: []string{"b:9092"}, Auth: AuthConfig{Mechanism: "PLAIN", Username: "sink"}}
	cfg.ApplyEnv()
	if cfg.Auth.Password != "from-env" {
		t.Errorf("expected password from env, got %q", cfg.Auth.Password)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
