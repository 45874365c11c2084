package operations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/3scale/ovpn-pki-manager/pkg/audit"
	"github.com/3scale/ovpn-pki-manager/pkg/authority"
	"github.com/3scale/ovpn-pki-manager/pkg/bundle"
	"github.com/3scale/ovpn-pki-manager/pkg/endpoint"
)

// Check reports whether identity can be issued without confirmation. It
// returns an error matching authority.ErrConflict when the identity already
// holds an issued credential.
func (m *Manager) Check(ctx context.Context, identity string) error {
	if err := m.validate("check", identity); err != nil {
		return err
	}
	ix, err := m.Store.Index()
	if err != nil {
		return &Error{Op: "check", Identity: identity, Err: err}
	}
	if rec, ok := ix.Issued(identity); ok {
		return &Error{Op: "check", Identity: identity, Err: fmt.Errorf("%w: serial %s is already issued", authority.ErrConflict, rec.SerialHex())}
	}
	return nil
}

// Issue generates a new credential for an identity and writes its profile.
// An identity that already holds an issued credential is refused unless the
// request is confirmed, in which case the previous credential is revoked as
// superseded before the new one is signed.
func (m *Manager) Issue(ctx context.Context, r IssueRequest) (*IssueResult, error) {
	const op = "issue"
	id := r.Identity
	logger := m.Logger.WithValues("identity", id)

	if err := m.validate(op, id); err != nil {
		return nil, err
	}

	// resolved before the store is touched
	ep, err := m.Resolver.Resolve(ctx)
	if err != nil {
		logger.Error(err, "unable to resolve the server endpoint")
		return nil, &Error{Op: op, Identity: id, Err: err}
	}

	unlock, err := m.Store.Lock(ctx)
	if err != nil {
		logger.Error(err, "unable to lock the authority store")
		return nil, &Error{Op: op, Identity: id, Err: err}
	}
	defer unlock()

	ix, err := m.Store.Index()
	if err != nil {
		return nil, &Error{Op: op, Identity: id, Err: err}
	}

	res := &IssueResult{}
	if prev, ok := ix.Issued(id); ok {
		if !r.Confirm {
			return nil, &Error{Op: op, Identity: id, Err: fmt.Errorf("%w: serial %s is already issued, confirm to replace it", authority.ErrConflict, prev.SerialHex())}
		}
		superseded, err := m.supersede(ctx, id)
		if err != nil {
			return nil, &Error{Op: op, Identity: id, Err: err}
		}
		res.Superseded = superseded
		m.record(audit.Event{Op: audit.OpRevoke, Identity: id, Serial: superseded.Serial, Reason: authority.ReasonSuperseded, Actor: r.Actor})
		if ix, err = m.Store.Index(); err != nil {
			return nil, &Error{Op: op, Identity: id, Err: err}
		}
	}

	for _, path := range m.Store.OrphansFor(ix, id) {
		logger.Info("removing orphaned file", "path", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error(err, "unable to remove orphaned file", "path", path)
			return nil, &Error{Op: op, Identity: id, Err: err}
		}
	}

	if err := m.Toolkit.BuildClientFull(ctx, id); err != nil {
		return nil, &Error{Op: op, Identity: id, Err: err}
	}
	if ix, err = m.Store.Index(); err != nil {
		return nil, &Error{Op: op, Identity: id, Err: err}
	}
	rec, ok := ix.Issued(id)
	if !ok {
		err := fmt.Errorf("toolkit reported success but %s has no issued row", id)
		logger.Error(err, "inconsistent index after issuance")
		return nil, &Error{Op: op, Identity: id, Err: err}
	}
	res.Credential = m.credential(rec)
	logger.Info("issued certificate", "serial", rec.SerialHex())
	m.record(audit.Event{Op: audit.OpIssue, Identity: id, Serial: rec.SerialHex(), Actor: r.Actor})

	b, err := m.writeBundle(ctx, id, ep)
	if err != nil {
		// the credential stays issued and the profile can be rebuilt
		return res, &Error{Op: op, Identity: id, Err: fmt.Errorf("certificate %s issued but the profile could not be written: %w", rec.SerialHex(), err)}
	}
	res.BundlePath = b.Path
	res.Profile = b.Profile

	if m.Publisher != nil {
		if err := m.Publisher.Publish(ctx, id, b.Profile, logger); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("profile not published to Vault: %v", err))
		}
	}
	if res.Superseded != nil {
		if err := m.Daemon.Notify(ctx); err != nil {
			logger.Error(err, "VPN daemon was not notified of the new CRL")
			res.Warnings = append(res.Warnings, err.Error())
		}
	}
	return res, nil
}

// supersede revokes the issued credential of id and regenerates the CRL.
// Callers hold the store lock.
func (m *Manager) supersede(ctx context.Context, id string) (*Credential, error) {
	rec, err := m.revokeAndPublishCRL(ctx, id, authority.ReasonSuperseded)
	if err != nil {
		return nil, err
	}
	c := m.credential(rec)
	m.Logger.Info("revoked superseded certificate", "identity", id, "serial", c.Serial)
	return &c, nil
}

// Bundle rebuilds and writes the profile of an issued identity. The
// profile is written under the store lock, after checking again that the
// identity is still issued.
func (m *Manager) Bundle(ctx context.Context, identity string) (*BundleResult, error) {
	const op = "bundle"
	if err := m.validate(op, identity); err != nil {
		return nil, err
	}
	if err := m.requireIssued(identity); err != nil {
		return nil, &Error{Op: op, Identity: identity, Err: err}
	}
	ep, err := m.Resolver.Resolve(ctx)
	if err != nil {
		m.Logger.Error(err, "unable to resolve the server endpoint", "identity", identity)
		return nil, &Error{Op: op, Identity: identity, Err: err}
	}

	unlock, err := m.Store.Lock(ctx)
	if err != nil {
		m.Logger.Error(err, "unable to lock the authority store")
		return nil, &Error{Op: op, Identity: identity, Err: err}
	}
	defer unlock()

	// the identity may have been revoked while resolving
	if err := m.requireIssued(identity); err != nil {
		return nil, &Error{Op: op, Identity: identity, Err: err}
	}
	b, err := m.writeBundle(ctx, identity, ep)
	if err != nil {
		return nil, &Error{Op: op, Identity: identity, Err: err}
	}
	if m.Publisher != nil {
		if err := m.Publisher.Publish(ctx, identity, b.Profile, m.Logger); err != nil {
			m.Logger.Error(err, "profile not published to Vault", "identity", identity)
		}
	}
	m.record(audit.Event{Op: audit.OpBundle, Identity: identity, Detail: b.Path})
	return b, nil
}

// ReadBundle returns the profile last written for an issued identity
// without rebuilding it
func (m *Manager) ReadBundle(ctx context.Context, identity string) (*BundleResult, error) {
	const op = "bundle"
	if err := m.validate(op, identity); err != nil {
		return nil, err
	}
	if err := m.requireIssued(identity); err != nil {
		return nil, &Error{Op: op, Identity: identity, Err: err}
	}
	path := m.BundlePath(identity)
	profile, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = ErrNoBundle
		}
		return nil, &Error{Op: op, Identity: identity, Err: err}
	}
	return &BundleResult{Path: path, Profile: profile}, nil
}

func (m *Manager) requireIssued(identity string) error {
	ix, err := m.Store.Index()
	if err != nil {
		return err
	}
	if _, ok := ix.Issued(identity); !ok {
		return authority.ErrNotIssued
	}
	return nil
}

func (m *Manager) writeBundle(ctx context.Context, identity string, ep endpoint.Endpoint) (*BundleResult, error) {
	in := bundle.Input{
		Identity:   identity,
		ServerName: m.ServerName,
		Host:       ep.Host,
		Port:       ep.Port,
		Proto:      ep.Proto,
		TunnelMode: m.TunnelMode,
	}
	files := []struct {
		path string
		dst  *[]byte
	}{
		{m.Store.CACertPath(), &in.CA},
		{m.Store.IssuedCertPath(identity), &in.Certificate},
		{m.Store.PrivateKeyPath(identity), &in.PrivateKey},
		{m.TunnelSecretPath, &in.TunnelSecret},
	}
	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			m.Logger.Error(err, "unable to read profile material", "path", f.path)
			return nil, err
		}
		*f.dst = data
	}

	profile, err := m.Builder.Build(in)
	if err != nil {
		m.Logger.Error(err, "unable to build profile", "identity", identity)
		return nil, err
	}
	path := m.BundlePath(identity)
	if err := authority.WriteFileAtomic(path, profile, 0600); err != nil {
		m.Logger.Error(err, "unable to write profile", "path", path)
		return nil, err
	}
	m.Logger.Info("wrote profile", "identity", identity, "path", path, "endpoint", ep.String())
	return &BundleResult{Path: path, Profile: profile}, nil
}
