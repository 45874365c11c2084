package operations

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"

	"github.com/3scale/ovpn-pki-manager/pkg/audit"
	"github.com/3scale/ovpn-pki-manager/pkg/authority"
)

// GetCRL returns the CRL PEM as a []byte
func (m *Manager) GetCRL(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(m.Store.CRLPath())
	if err != nil {
		m.Logger.Error(err, "unable to read CRL", "path", m.Store.CRLPath())
		if errors.Is(err, fs.ErrNotExist) {
			err = authority.ErrNotInitialized
		}
		return nil, &Error{Op: "crl", Err: err}
	}
	return data, nil
}

// RefreshCRL regenerates the CRL from the index, installs it for the VPN
// daemon and tells the daemon. CRLs carry a next update date, so this has
// to run periodically even when nothing is revoked.
func (m *Manager) RefreshCRL(ctx context.Context) ([]byte, []string, error) {
	const op = "crl"
	unlock, err := m.Store.Lock(ctx)
	if err != nil {
		m.Logger.Error(err, "unable to lock the authority store")
		return nil, nil, &Error{Op: op, Err: err}
	}
	defer unlock()

	if err := m.Toolkit.GenCRL(ctx); err != nil {
		return nil, nil, &Error{Op: op, Err: err}
	}
	if err := m.Daemon.InstallCRL(m.Store.CRLPath()); err != nil {
		return nil, nil, &Error{Op: op, Err: err}
	}
	crl, err := m.GetCRL(ctx)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	if err := m.Daemon.Notify(ctx); err != nil {
		m.Logger.Error(err, "VPN daemon was not notified of the new CRL")
		warnings = append(warnings, err.Error())
	}
	m.Logger.Info("regenerated CRL")
	m.record(audit.Event{Op: audit.OpCRL})
	return crl, warnings, nil
}

// revokeAndPublishCRL marks the issued row of id as revoked, moves its
// files to the revoked area, regenerates the CRL and installs it for the
// daemon. If any of these steps fails, the index, the files and the CRL
// are put back as they were. Callers hold the store lock.
func (m *Manager) revokeAndPublishCRL(ctx context.Context, id, reason string) (authority.Record, error) {
	s := m.Store
	indexBefore, err := s.IndexBytes()
	if err != nil {
		return authority.Record{}, err
	}
	ix, err := authority.ParseIndex(indexBefore)
	if err != nil {
		return authority.Record{}, err
	}
	rec, ok := ix.Issued(id)
	if !ok {
		return authority.Record{}, fmt.Errorf("%w: %s has no issued certificate", authority.ErrNotIssued, id)
	}
	crlBefore, err := os.ReadFile(s.CRLPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return authority.Record{}, err
	}

	if err := m.Toolkit.Revoke(ctx, id, reason); err != nil {
		m.rollback(id, rec.Serial, indexBefore, crlBefore)
		return authority.Record{}, err
	}
	if err := m.Toolkit.GenCRL(ctx); err != nil {
		m.rollback(id, rec.Serial, indexBefore, crlBefore)
		return authority.Record{}, err
	}
	if err := m.Daemon.InstallCRL(s.CRLPath()); err != nil {
		m.rollback(id, rec.Serial, indexBefore, crlBefore)
		return authority.Record{}, err
	}

	ix, err = s.Index()
	if err != nil {
		return authority.Record{}, err
	}
	for _, r := range ix.History(id) {
		if r.Serial.Cmp(rec.Serial) == 0 {
			return r, nil
		}
	}
	return authority.Record{}, fmt.Errorf("serial %s of %s is missing from the index after revocation", rec.SerialHex(), id)
}

func (m *Manager) rollback(id string, serial *big.Int, indexBefore, crlBefore []byte) {
	s := m.Store
	m.Logger.Info("rolling back revocation", "identity", id, "serial", authority.SerialHex(serial))
	if err := s.RestoreIndex(indexBefore); err != nil {
		m.Logger.Error(err, "unable to restore index", "identity", id)
	}
	if err := s.RestoreArtifacts(id, serial); err != nil {
		m.Logger.Error(err, "unable to restore certificate files", "identity", id)
	}
	if crlBefore != nil {
		if err := authority.WriteFileAtomic(s.CRLPath(), crlBefore, 0644); err != nil {
			m.Logger.Error(err, "unable to restore CRL")
		}
	}
}

// RevokedSerials returns the serials listed in a PEM encoded CRL
func RevokedSerials(crlPEM []byte) ([]string, error) {
	block, _ := pem.Decode(crlPEM)
	if block == nil || block.Type != "X509 CRL" {
		return nil, fmt.Errorf("no X509 CRL block found")
	}
	list, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(list.RevokedCertificateEntries))
	for _, entry := range list.RevokedCertificateEntries {
		serials = append(serials, authority.SerialHex(entry.SerialNumber))
	}
	return serials, nil
}
