package toolkit

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/3scale/ovpn-pki-manager/pkg/authority"
	"github.com/go-logr/logr"
)

const (
	caValidityDays = 3650
	nativeTool     = "native"
)

// crlReasons maps the openssl reason names to RFC 5280 reason codes
var crlReasons = map[string]int{
	"":                     0,
	"unspecified":          0,
	"keyCompromise":        1,
	"CACompromise":         2,
	"affiliationChanged":   3,
	"superseded":           4,
	"cessationOfOperation": 5,
}

// Native implements Toolkit with crypto/x509 on top of an authority.Store,
// writing the same files easy-rsa writes.
type Native struct {
	Store    *authority.Store
	KeyAlgo  string
	CertDays int
	CRLDays  int
	Logger   logr.Logger

	// Now and Rand default to time.Now and crypto/rand
	Now  func() time.Time
	Rand io.Reader
}

var _ Toolkit = (*Native)(nil)

func (n *Native) now() time.Time {
	if n.Now != nil {
		return n.Now().UTC()
	}
	return time.Now().UTC()
}

func (n *Native) rand() io.Reader {
	if n.Rand != nil {
		return n.Rand
	}
	return rand.Reader
}

func (n *Native) fail(op string, err error) error {
	terr := &ToolError{Tool: nativeTool, Op: op, Err: err}
	n.Logger.Error(err, "pki operation failed", "op", op)
	return terr
}

func (n *Native) InitPKI(ctx context.Context) error {
	if err := n.Store.InitLayout(); err != nil {
		if errors.Is(err, authority.ErrAlreadyInitialized) {
			return err
		}
		return n.fail("init-pki", err)
	}
	return nil
}

func (n *Native) BuildCA(ctx context.Context, commonName string) error {
	if _, err := os.Stat(n.Store.CACertPath()); err == nil {
		return authority.ErrAlreadyInitialized
	}

	signer, keyPEM, err := n.generateKey()
	if err != nil {
		return n.fail("build-ca", err)
	}
	serial, err := randomSerial(n.rand())
	if err != nil {
		return n.fail("build-ca", err)
	}

	now := n.now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, caValidityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(n.rand(), template, template, signer.Public(), signer)
	if err != nil {
		return n.fail("build-ca", fmt.Errorf("creating CA certificate: %w", err))
	}

	if err := authority.WriteFileAtomic(n.Store.CAKeyPath(), keyPEM, 0600); err != nil {
		return n.fail("build-ca", err)
	}
	if err := authority.WriteFileAtomic(n.Store.CACertPath(), encodeCertPEM(der), 0644); err != nil {
		return n.fail("build-ca", err)
	}
	n.Logger.Info("created certificate authority", "cn", commonName)
	return nil
}

func (n *Native) BuildServerFull(ctx context.Context, name string) error {
	return n.buildFull("build-server-full", name, x509.ExtKeyUsageServerAuth)
}

func (n *Native) BuildClientFull(ctx context.Context, name string) error {
	return n.buildFull("build-client-full", name, x509.ExtKeyUsageClientAuth)
}

// buildFull writes, in order, the serial counter, the private key, the
// request, the certificate and finally the index row. A crash before the
// last step leaves files that no index row refers to.
func (n *Native) buildFull(op, name string, usage x509.ExtKeyUsage) error {
	s := n.Store
	ix, err := s.Index()
	if err != nil {
		return n.fail(op, err)
	}
	if _, ok := ix.Issued(name); ok {
		return n.fail(op, fmt.Errorf("%w: %s already has an issued certificate", authority.ErrConflict, name))
	}
	for _, p := range []string{s.IssuedCertPath(name), s.PrivateKeyPath(name), s.RequestPath(name)} {
		if _, err := os.Stat(p); err == nil {
			return n.fail(op, fmt.Errorf("%s already exists", p))
		}
	}

	caCert, caSigner, err := LoadCA(s)
	if err != nil {
		return n.fail(op, err)
	}

	serial, err := s.AdvanceSerial()
	if err != nil {
		return n.fail(op, err)
	}

	signer, keyPEM, err := n.generateKey()
	if err != nil {
		return n.fail(op, err)
	}
	if err := authority.WriteFileAtomic(s.PrivateKeyPath(name), keyPEM, 0600); err != nil {
		return n.fail(op, err)
	}

	subject := pkix.Name{CommonName: name}
	csrDER, err := x509.CreateCertificateRequest(n.rand(), &x509.CertificateRequest{Subject: subject}, signer)
	if err != nil {
		return n.fail(op, fmt.Errorf("creating request: %w", err))
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	if err := authority.WriteFileAtomic(s.RequestPath(name), csrPEM, 0600); err != nil {
		return n.fail(op, err)
	}

	now := n.now()
	notAfter := now.AddDate(0, 0, n.CertDays)
	if notAfter.After(caCert.NotAfter) {
		notAfter = caCert.NotAfter
	}
	keyUsage := x509.KeyUsageDigitalSignature
	if _, ok := signer.Public().(*rsa.PublicKey); ok {
		keyUsage |= x509.KeyUsageKeyEncipherment
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		ExtKeyUsage:           []x509.ExtKeyUsage{usage},
		BasicConstraintsValid: true,
	}
	if usage == x509.ExtKeyUsageServerAuth {
		template.DNSNames = []string{name}
	}
	der, err := x509.CreateCertificate(n.rand(), template, caCert, signer.Public(), caSigner)
	if err != nil {
		return n.fail(op, fmt.Errorf("signing certificate: %w", err))
	}
	certPEM := encodeCertPEM(der)
	if err := authority.WriteFileAtomic(s.IssuedCertPath(name), certPEM, 0600); err != nil {
		return n.fail(op, err)
	}
	if err := authority.WriteFileAtomic(s.CertBySerialPath(authority.SerialHex(serial)), certPEM, 0600); err != nil {
		return n.fail(op, err)
	}

	if err := ix.Append(authority.Record{
		Status:   authority.StatusValid,
		Expiry:   notAfter,
		Serial:   serial,
		Filename: "unknown",
		Subject:  authority.SubjectFor(name),
	}); err != nil {
		return n.fail(op, err)
	}
	if err := s.WriteIndex(ix); err != nil {
		return n.fail(op, err)
	}

	n.Logger.V(1).Info("signed certificate", "name", name, "serial", authority.SerialHex(serial))
	return nil
}

func (n *Native) Revoke(ctx context.Context, name string, reason string) error {
	s := n.Store
	before, err := s.IndexBytes()
	if err != nil {
		return n.fail("revoke", err)
	}
	ix, err := authority.ParseIndex(before)
	if err != nil {
		return n.fail("revoke", err)
	}
	if _, ok := crlReasons[reason]; !ok {
		return n.fail("revoke", fmt.Errorf("unknown revocation reason %q", reason))
	}
	rec, err := ix.Revoke(name, n.now(), reason)
	if err != nil {
		return n.fail("revoke", err)
	}
	if err := s.WriteIndex(ix); err != nil {
		return n.fail("revoke", err)
	}
	if err := s.RetireArtifacts(name, rec.Serial); err != nil {
		if rerr := s.RestoreArtifacts(name, rec.Serial); rerr != nil {
			n.Logger.Error(rerr, "unable to restore artifacts", "name", name)
		}
		if rerr := s.RestoreIndex(before); rerr != nil {
			n.Logger.Error(rerr, "unable to restore index", "name", name)
		}
		return n.fail("revoke", err)
	}
	return nil
}

func (n *Native) GenCRL(ctx context.Context) error {
	s := n.Store
	ix, err := s.Index()
	if err != nil {
		return n.fail("gen-crl", err)
	}
	caCert, caSigner, err := LoadCA(s)
	if err != nil {
		return n.fail("gen-crl", err)
	}

	revoked := ix.Revoked()
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, rec := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   rec.Serial,
			RevocationTime: rec.RevokedAt,
			ReasonCode:     crlReasons[rec.Reason],
		})
	}

	number, err := s.AdvanceCRLNumber()
	if err != nil {
		return n.fail("gen-crl", err)
	}
	now := n.now()
	template := &x509.RevocationList{
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.AddDate(0, 0, n.CRLDays),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(n.rand(), template, caCert, caSigner)
	if err != nil {
		return n.fail("gen-crl", fmt.Errorf("creating CRL: %w", err))
	}
	crlPEM := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
	if err := authority.WriteFileAtomic(s.CRLPath(), crlPEM, 0644); err != nil {
		return n.fail("gen-crl", err)
	}
	n.Logger.V(1).Info("generated CRL", "number", number.String(), "entries", len(entries))
	return nil
}

func (n *Native) generateKey() (crypto.Signer, []byte, error) {
	var signer crypto.Signer
	var err error
	switch n.KeyAlgo {
	case "rsa":
		signer, err = rsa.GenerateKey(n.rand(), 2048)
	case "ec", "":
		signer, err = ecdsa.GenerateKey(elliptic.P256(), n.rand())
	default:
		return nil, nil, fmt.Errorf("unsupported key algorithm: %s", n.KeyAlgo)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, nil, err
	}
	return signer, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// LoadCA reads the authority certificate and its signing key
func LoadCA(s *authority.Store) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := os.ReadFile(s.CACertPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, authority.ErrNotInitialized
		}
		return nil, nil, fmt.Errorf("loading CA certificate: %w", err)
	}
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(s.CAKeyPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading CA private key: %w", err)
	}
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("CA private key: %w", err)
	}
	return cert, key, nil
}

// ParseCertificatePEM returns the first certificate found in data. easy-rsa
// prefixes issued certificates with a text dump, which is skipped.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no CERTIFICATE block found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// ParsePrivateKeyPEM decodes PKCS#8, PKCS#1 and SEC1 private keys
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func randomSerial(r io.Reader) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 127)
	serial, err := rand.Int(r, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}
	return serial.Add(serial, big.NewInt(1)), nil
}
