package operations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/3scale/ovpn-pki-manager/pkg/audit"
	"github.com/3scale/ovpn-pki-manager/pkg/authority"
)

// List returns the identities holding an issued client credential, in
// issuance order. It reads a snapshot of the index and takes no lock.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	ix, err := m.Store.Index()
	if err != nil {
		m.Logger.Error(err, "unable to read the issuance index")
		return nil, &Error{Op: "list", Err: err}
	}
	ids := []string{}
	for _, id := range ix.IssuedIdentities() {
		if strings.EqualFold(id, m.ServerName) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Credentials returns the client rows of the index in ledger order, only
// the issued ones unless all is set
func (m *Manager) Credentials(ctx context.Context, all bool) ([]Credential, error) {
	ix, err := m.Store.Index()
	if err != nil {
		m.Logger.Error(err, "unable to read the issuance index")
		return nil, &Error{Op: "list", Err: err}
	}
	out := []Credential{}
	for _, rec := range ix.Records() {
		if strings.EqualFold(rec.Identity(), m.ServerName) {
			continue
		}
		if !all && rec.Status != authority.StatusValid {
			continue
		}
		out = append(out, m.credential(rec))
	}
	return out, nil
}

// Users groups every client credential, issued or not, by identity. Each
// list is in issuance order so the last element is the most recent one.
func (m *Manager) Users(ctx context.Context) (map[string][]Credential, error) {
	creds, err := m.Credentials(ctx, true)
	if err != nil {
		return nil, err
	}
	users := map[string][]Credential{}
	for _, c := range creds {
		users[c.Identity] = append(users[c.Identity], c)
	}
	return users, nil
}

// Revoke revokes the issued credential of an identity, regenerates the
// CRL, removes the profile and tells the VPN daemon. Failures after the
// CRL is in place are reported as warnings and do not undo the revocation.
func (m *Manager) Revoke(ctx context.Context, r RevokeRequest) (*RevokeResult, error) {
	const op = "revoke"
	id := r.Identity
	logger := m.Logger.WithValues("identity", id)

	if err := m.validate(op, id); err != nil {
		return nil, err
	}
	unlock, err := m.Store.Lock(ctx)
	if err != nil {
		logger.Error(err, "unable to lock the authority store")
		return nil, &Error{Op: op, Identity: id, Err: err}
	}
	defer unlock()

	rec, err := m.revokeAndPublishCRL(ctx, id, authority.ReasonUnspecified)
	if err != nil {
		return nil, &Error{Op: op, Identity: id, Err: err}
	}
	res := &RevokeResult{Credential: m.credential(rec)}
	logger.Info("revoked certificate", "serial", rec.SerialHex())
	m.record(audit.Event{Op: audit.OpRevoke, Identity: id, Serial: rec.SerialHex(), Reason: rec.Reason, Actor: r.Actor})

	if err := os.Remove(m.BundlePath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error(err, "unable to remove profile", "path", m.BundlePath(id))
		res.Warnings = append(res.Warnings, fmt.Sprintf("profile %s not removed: %v", m.BundlePath(id), err))
	}
	if m.Publisher != nil {
		if err := m.Publisher.Withdraw(ctx, id, logger); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("profile not withdrawn from Vault: %v", err))
		}
	}
	if err := m.Daemon.Notify(ctx); err != nil {
		logger.Error(err, "VPN daemon was not notified of the new CRL")
		res.Warnings = append(res.Warnings, err.Error())
	}
	return res, nil
}

// Cleanup removes key, request and certificate files that no issued row
// refers to, and returns their paths
func (m *Manager) Cleanup(ctx context.Context, actor string) ([]string, error) {
	const op = "cleanup"
	unlock, err := m.Store.Lock(ctx)
	if err != nil {
		m.Logger.Error(err, "unable to lock the authority store")
		return nil, &Error{Op: op, Err: err}
	}
	defer unlock()

	ix, err := m.Store.Index()
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	orphans, err := m.Store.Orphans(ix)
	if err != nil {
		m.Logger.Error(err, "unable to scan for orphaned files")
		return nil, &Error{Op: op, Err: err}
	}
	removed := []string{}
	for _, path := range orphans {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.Logger.Error(err, "unable to remove orphaned file", "path", path)
			return removed, &Error{Op: op, Err: err}
		}
		m.Logger.Info("removed orphaned file", "path", path)
		removed = append(removed, path)
	}
	if len(removed) > 0 {
		m.record(audit.Event{Op: audit.OpCleanup, Actor: actor, Detail: strings.Join(removed, ",")})
	}
	return removed, nil
}
