package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3scale/ovpn-pki-manager/pkg/audit"
	"github.com/3scale/ovpn-pki-manager/pkg/authority"
	"github.com/3scale/ovpn-pki-manager/pkg/bundle"
	"github.com/3scale/ovpn-pki-manager/pkg/config"
	"github.com/3scale/ovpn-pki-manager/pkg/daemon"
	"github.com/3scale/ovpn-pki-manager/pkg/endpoint"
	"github.com/3scale/ovpn-pki-manager/pkg/toolkit"
	"github.com/3scale/ovpn-pki-manager/pkg/vault"
	"github.com/go-logr/logr"
)

// Daemon is told about every CRL change
type Daemon interface {
	InstallCRL(src string) error
	Notify(ctx context.Context) error
}

// Publisher distributes profiles outside the bundles directory
type Publisher interface {
	Publish(ctx context.Context, identity string, profile []byte, logger logr.Logger) error
	Withdraw(ctx context.Context, identity string, logger logr.Logger) error
}

// Journal records lifecycle events
type Journal interface {
	Record(ev audit.Event) (audit.Event, error)
}

// Manager runs the credential lifecycle operations against one authority.
// Issue, Revoke, RefreshCRL, Cleanup and Init hold the store lock for their
// whole read-modify-write cycle and Bundle holds it while writing the
// profile. The other operations read index snapshots.
type Manager struct {
	Store    *authority.Store
	Toolkit  toolkit.Toolkit
	Resolver endpoint.Resolver
	Builder  *bundle.Builder
	Daemon   Daemon
	// Publisher and Journal are optional
	Publisher Publisher
	Journal   Journal

	ServerName       string
	CACN             string
	BundlesDir       string
	TunnelSecretPath string
	TunnelMode       string
	Logger           logr.Logger

	closers []func() error
}

// NewManager wires a Manager from the configuration
func NewManager(ctx context.Context, cfg *config.Config, logger logr.Logger) (*Manager, error) {
	store, err := authority.Open(cfg.PKI.Dir, authority.Options{
		LockTimeout: cfg.PKI.LockTimeout,
		Logger:      logger.WithName("store"),
	})
	if err != nil {
		logger.Error(err, "unable to open authority store", "dir", cfg.PKI.Dir)
		return nil, err
	}

	m := &Manager{
		Store:            store,
		ServerName:       cfg.PKI.ServerName,
		CACN:             cfg.PKI.CACN,
		BundlesDir:       cfg.Bundles.Dir,
		TunnelSecretPath: cfg.Tunnel.SecretPath,
		TunnelMode:       cfg.Tunnel.Mode,
		Logger:           logger,
		closers:          []func() error{store.Close},
	}

	switch cfg.PKI.Toolkit {
	case "easyrsa":
		m.Toolkit = &toolkit.EasyRSA{
			Bin:      cfg.PKI.EasyRSABin,
			PKIDir:   cfg.PKI.Dir,
			KeyAlgo:  cfg.PKI.KeyAlgo,
			CertDays: cfg.PKI.CertDays,
			CRLDays:  cfg.PKI.CRLDays,
			Logger:   logger.WithName("easyrsa"),
		}
	default:
		m.Toolkit = &toolkit.Native{
			Store:    store,
			KeyAlgo:  cfg.PKI.KeyAlgo,
			CertDays: cfg.PKI.CertDays,
			CRLDays:  cfg.PKI.CRLDays,
			Logger:   logger.WithName("native"),
		}
	}

	if m.Resolver, err = endpoint.New(ctx, cfg.Endpoint, logger.WithName("endpoint")); err != nil {
		m.Close()
		return nil, err
	}
	if m.Builder, err = bundle.NewBuilder(cfg.Bundles.Template); err != nil {
		logger.Error(err, "unable to load config.ovpn template")
		m.Close()
		return nil, err
	}
	m.Daemon = &daemon.Controller{
		PIDFile: cfg.Daemon.PIDFile,
		Unit:    cfg.Daemon.Unit,
		CRLPath: cfg.Daemon.CRLPath,
		Logger:  logger.WithName("daemon"),
	}
	if cfg.VaultEnabled() {
		m.Publisher = &vault.Publisher{
			Client: vault.NewAuthenticatedClient(cfg.Vault),
			KVPath: cfg.Vault.KVPath,
		}
	}
	if cfg.Audit.Path != "" {
		j, err := audit.Open(cfg.Audit.Path, cfg.PKI.LockTimeout)
		if err != nil {
			logger.Error(err, "unable to open audit journal", "path", cfg.Audit.Path)
			m.Close()
			return nil, err
		}
		m.Journal = j
	}
	return m, nil
}

// Close releases the store handle
func (m *Manager) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		errs = append(errs, m.closers[i]())
	}
	m.closers = nil
	return errors.Join(errs...)
}

// BundlePath is where the profile of identity is written
func (m *Manager) BundlePath(identity string) string {
	return filepath.Join(m.BundlesDir, identity+".ovpn")
}

func (m *Manager) validate(op, identity string) error {
	if err := authority.ValidateIdentity(identity); err != nil {
		return &Error{Op: op, Identity: identity, Err: err}
	}
	if strings.EqualFold(identity, m.ServerName) {
		return &Error{Op: op, Identity: identity, Err: fmt.Errorf("%w: %q is the server identity", authority.ErrInvalidIdentity, identity)}
	}
	return nil
}

func (m *Manager) record(ev audit.Event) {
	if m.Journal == nil {
		return
	}
	if _, err := m.Journal.Record(ev); err != nil {
		m.Logger.Error(err, "unable to record audit event", "op", ev.Op, "identity", ev.Identity)
	}
}

// credential builds the view of rec, completed with the details of the
// certificate kept under certs_by_serial when it is readable
func (m *Manager) credential(rec authority.Record) Credential {
	c := Credential{
		Identity: rec.Identity(),
		Serial:   rec.SerialHex(),
		Status:   rec.Status.String(),
		NotAfter: rec.Expiry,
		Reason:   rec.Reason,
	}
	if !rec.RevokedAt.IsZero() {
		at := rec.RevokedAt
		c.RevokedAt = &at
	}
	data, err := os.ReadFile(m.Store.CertBySerialPath(rec.SerialHex()))
	if err != nil {
		return c
	}
	cert, err := toolkit.ParseCertificatePEM(data)
	if err != nil {
		m.Logger.V(1).Info("unreadable certificate", "serial", c.Serial, "reason", err.Error())
		return c
	}
	c.IssuerCN = cert.Issuer.CommonName
	c.NotBefore = cert.NotBefore
	if i := strings.Index(string(data), "-----BEGIN CERTIFICATE-----"); i >= 0 {
		c.CertificatePEM = string(data[i:])
	}
	return c
}
