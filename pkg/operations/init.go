package operations

import (
	"context"
	"os"

	"github.com/3scale/ovpn-pki-manager/pkg/audit"
	"github.com/3scale/ovpn-pki-manager/pkg/authority"
	"github.com/3scale/ovpn-pki-manager/pkg/bundle"
)

// Init builds the authority: an empty pki directory, the CA, the server
// credential and a first CRL. The tunnel secret is generated unless one
// already exists, so that re-creating the authority does not break the
// deployed server configuration.
func (m *Manager) Init(ctx context.Context, actor string) error {
	const op = "init"
	unlock, err := m.Store.Lock(ctx)
	if err != nil {
		m.Logger.Error(err, "unable to lock the authority store")
		return &Error{Op: op, Err: err}
	}
	defer unlock()

	if m.Store.Initialized() {
		return &Error{Op: op, Err: authority.ErrAlreadyInitialized}
	}

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"init-pki", m.Toolkit.InitPKI},
		{"build-ca", func(ctx context.Context) error { return m.Toolkit.BuildCA(ctx, m.CACN) }},
		{"build-server-full", func(ctx context.Context) error { return m.Toolkit.BuildServerFull(ctx, m.ServerName) }},
		{"gen-crl", m.Toolkit.GenCRL},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return &Error{Op: op, Err: err}
		}
		m.Logger.V(1).Info("completed step", "step", step.name)
	}
	if err := m.Daemon.InstallCRL(m.Store.CRLPath()); err != nil {
		return &Error{Op: op, Err: err}
	}

	if _, err := os.Stat(m.TunnelSecretPath); err == nil {
		m.Logger.Info("keeping existing tunnel secret", "path", m.TunnelSecretPath)
	} else {
		key, err := bundle.GenerateStaticKey(nil)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		if err := authority.WriteFileAtomic(m.TunnelSecretPath, key, 0600); err != nil {
			m.Logger.Error(err, "unable to write tunnel secret", "path", m.TunnelSecretPath)
			return &Error{Op: op, Err: err}
		}
		m.Logger.Info("generated tunnel secret", "path", m.TunnelSecretPath)
	}

	m.Logger.Info("initialized certificate authority", "dir", m.Store.Dir(), "cn", m.CACN)
	m.record(audit.Event{Op: audit.OpInit, Actor: actor, Detail: m.Store.Dir()})
	return nil
}
