package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	// VaultApiTimeout bounds every call to the Vault API
	VaultApiTimeout = 10 * time.Second
	// AwsApiTimeout bounds every call to the AWS APIs
	AwsApiTimeout = 10 * time.Second
	// EndpointTimeout bounds public endpoint discovery
	EndpointTimeout = 5 * time.Second
	// DaemonTimeout bounds reload/restart of the VPN daemon
	DaemonTimeout = 15 * time.Second
	// EnvPrefix is the prefix of the environment variables that
	// override configuration keys (pki.dir -> OVPN_PKI_PKI_DIR)
	EnvPrefix = "OVPN_PKI"
)

// Config is the full configuration of the manager
type Config struct {
	PKI      PKIConfig      `mapstructure:"pki"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel"`
	Bundles  BundlesConfig  `mapstructure:"bundles"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

// PKIConfig describes the certificate authority directory
// and the toolkit that operates on it
type PKIConfig struct {
	Dir         string        `mapstructure:"dir"`
	Toolkit     string        `mapstructure:"toolkit"`
	EasyRSABin  string        `mapstructure:"easyrsa_bin"`
	ServerName  string        `mapstructure:"server_name"`
	CACN        string        `mapstructure:"ca_cn"`
	KeyAlgo     string        `mapstructure:"key_algo"`
	CertDays    int           `mapstructure:"cert_days"`
	CRLDays     int           `mapstructure:"crl_days"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// TunnelConfig describes the shared tunnel-integrity secret
type TunnelConfig struct {
	SecretPath string `mapstructure:"secret_path"`
	Mode       string `mapstructure:"mode"`
}

// BundlesConfig describes where client profiles are written
type BundlesConfig struct {
	Dir      string `mapstructure:"dir"`
	Template string `mapstructure:"template"`
}

// EndpointConfig selects how the public server endpoint is discovered
type EndpointConfig struct {
	Provider      string `mapstructure:"provider"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Proto         string `mapstructure:"proto"`
	LookupURL     string `mapstructure:"lookup_url"`
	EC2InstanceID string `mapstructure:"ec2_instance_id"`
}

// DaemonConfig describes how the VPN daemon is told about CRL changes
type DaemonConfig struct {
	PIDFile string `mapstructure:"pid_file"`
	Unit    string `mapstructure:"unit"`
	CRLPath string `mapstructure:"crl_path"`
}

// VaultConfig enables publication of the bundles to a KV v2 engine
type VaultConfig struct {
	Address     string `mapstructure:"address"`
	Token       string `mapstructure:"token"`
	RoleID      string `mapstructure:"role_id"`
	SecretID    string `mapstructure:"secret_id"`
	ApprolePath string `mapstructure:"approle_path"`
	KVPath      string `mapstructure:"kv_path"`
}

// AuditConfig points to the audit journal database
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the 'serve' command
type ServerConfig struct {
	Listen      string `mapstructure:"listen"`
	CRLSchedule string `mapstructure:"crl_schedule"`
	GithubOrg   string `mapstructure:"github_org"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SetDefaults registers the default value of every key in v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("pki.dir", "/etc/openvpn/easy-rsa/pki")
	v.SetDefault("pki.toolkit", "native")
	v.SetDefault("pki.easyrsa_bin", "/etc/openvpn/easy-rsa/easyrsa")
	v.SetDefault("pki.server_name", "server")
	v.SetDefault("pki.ca_cn", "OpenVPN CA")
	v.SetDefault("pki.key_algo", "ec")
	v.SetDefault("pki.cert_days", 3650)
	v.SetDefault("pki.crl_days", 3650)
	v.SetDefault("pki.lock_timeout", 10*time.Second)
	v.SetDefault("tunnel.secret_path", "/etc/openvpn/tls-crypt.key")
	v.SetDefault("tunnel.mode", "tls-crypt")
	v.SetDefault("bundles.dir", "/etc/openvpn/clients")
	v.SetDefault("bundles.template", "")
	v.SetDefault("endpoint.provider", "lookup")
	v.SetDefault("endpoint.host", "")
	v.SetDefault("endpoint.port", 1194)
	v.SetDefault("endpoint.proto", "udp")
	v.SetDefault("endpoint.lookup_url", "https://api.ipify.org")
	v.SetDefault("endpoint.ec2_instance_id", "")
	v.SetDefault("daemon.pid_file", "/run/openvpn/server.pid")
	v.SetDefault("daemon.unit", "openvpn@server")
	v.SetDefault("daemon.crl_path", "/etc/openvpn/crl.pem")
	// keys without a default are registered too so that
	// AutomaticEnv can override them
	v.SetDefault("vault.address", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.role_id", "")
	v.SetDefault("vault.secret_id", "")
	v.SetDefault("vault.approle_path", "approle")
	v.SetDefault("vault.kv_path", "secret")
	v.SetDefault("audit.path", "/var/lib/ovpn-pki-manager/audit.db")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.crl_schedule", "@daily")
	v.SetDefault("server.github_org", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load unmarshals and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.PKI.Dir == "" {
		return fmt.Errorf("pki.dir is required")
	}
	if c.PKI.Toolkit != "native" && c.PKI.Toolkit != "easyrsa" {
		return fmt.Errorf("pki.toolkit must be 'native' or 'easyrsa'")
	}
	if c.PKI.Toolkit == "easyrsa" && c.PKI.EasyRSABin == "" {
		return fmt.Errorf("pki.easyrsa_bin is required with the easyrsa toolkit")
	}
	if c.PKI.ServerName == "" {
		return fmt.Errorf("pki.server_name is required")
	}
	if c.PKI.KeyAlgo != "ec" && c.PKI.KeyAlgo != "rsa" {
		return fmt.Errorf("pki.key_algo must be 'ec' or 'rsa'")
	}
	if c.PKI.CertDays <= 0 || c.PKI.CRLDays <= 0 {
		return fmt.Errorf("pki.cert_days and pki.crl_days must be positive")
	}
	if c.Tunnel.SecretPath == "" {
		return fmt.Errorf("tunnel.secret_path is required")
	}
	if c.Tunnel.Mode != "tls-crypt" && c.Tunnel.Mode != "tls-auth" {
		return fmt.Errorf("tunnel.mode must be 'tls-crypt' or 'tls-auth'")
	}
	if c.Bundles.Dir == "" {
		return fmt.Errorf("bundles.dir is required")
	}

	switch c.Endpoint.Provider {
	case "static":
		if c.Endpoint.Host == "" {
			return fmt.Errorf("endpoint.host is required with the static provider")
		}
	case "lookup":
		if c.Endpoint.LookupURL == "" {
			return fmt.Errorf("endpoint.lookup_url is required with the lookup provider")
		}
	case "ec2":
		if c.Endpoint.EC2InstanceID == "" {
			return fmt.Errorf("endpoint.ec2_instance_id is required with the ec2 provider")
		}
	default:
		return fmt.Errorf("endpoint.provider must be one of: static, lookup, ec2")
	}
	if c.Endpoint.Port <= 0 || c.Endpoint.Port > 65535 {
		return fmt.Errorf("endpoint.port is out of range")
	}
	if c.Endpoint.Proto != "udp" && c.Endpoint.Proto != "tcp" {
		return fmt.Errorf("endpoint.proto must be 'udp' or 'tcp'")
	}

	if c.Vault.Address != "" && c.Vault.Token == "" && (c.Vault.RoleID == "" || c.Vault.SecretID == "") {
		return fmt.Errorf("vault.token or vault.role_id/vault.secret_id are required when vault.address is set")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	return nil
}

// VaultEnabled reports whether bundles are published to Vault
func (c *Config) VaultEnabled() bool {
	return c.Vault.Address != ""
}
