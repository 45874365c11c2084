package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	if yaml != "" {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))
		v.SetConfigFile(path)
		require.NoError(t, v.ReadInConfig())
	}
	return v
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newViper(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "native", cfg.PKI.Toolkit)
	assert.Equal(t, "server", cfg.PKI.ServerName)
	assert.Equal(t, "tls-crypt", cfg.Tunnel.Mode)
	assert.Equal(t, 1194, cfg.Endpoint.Port)
	assert.False(t, cfg.VaultEnabled())
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(newViper(t, `
pki:
  dir: /srv/pki
  key_algo: rsa
endpoint:
  provider: static
  host: vpn.example.com
  proto: tcp
  port: 443
vault:
  address: https://vault:8200
  token: s.abc
`))
	require.NoError(t, err)

	assert.Equal(t, "/srv/pki", cfg.PKI.Dir)
	assert.Equal(t, "rsa", cfg.PKI.KeyAlgo)
	assert.Equal(t, "vpn.example.com", cfg.Endpoint.Host)
	assert.Equal(t, 443, cfg.Endpoint.Port)
	assert.True(t, cfg.VaultEnabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad toolkit", "pki:\n  toolkit: openssl\n", "pki.toolkit"},
		{"static without host", "endpoint:\n  provider: static\n", "endpoint.host"},
		{"ec2 without instance", "endpoint:\n  provider: ec2\n", "endpoint.ec2_instance_id"},
		{"bad tunnel mode", "tunnel:\n  mode: none\n", "tunnel.mode"},
		{"vault without auth", "vault:\n  address: https://vault\n", "vault.token"},
		{"bad log level", "log:\n  level: trace\n", "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newViper(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OVPN_PKI_VAULT_TOKEN", "s.env")
	t.Setenv("OVPN_PKI_VAULT_ADDRESS", "https://vault:8200")
	t.Setenv("OVPN_PKI_ENDPOINT_PORT", "443")

	v := newViper(t, "")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "s.env", cfg.Vault.Token)
	assert.Equal(t, 443, cfg.Endpoint.Port)
	assert.True(t, cfg.VaultEnabled())
}
