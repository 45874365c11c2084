package authority

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const (
	indexFile     = "index.txt"
	indexAttrFile = "index.txt.attr"
	serialFile    = "serial"
	crlNumberFile = "crlnumber"
	crlFile       = "crl.pem"
	lockFile      = ".lock"
)

// Options configures an opened Store
type Options struct {
	// LockTimeout bounds the wait for the exclusive lock
	LockTimeout time.Duration
	Logger      logr.Logger
}

// Store is a handle on an authority directory laid out the way easy-rsa
// lays out its pki directory. The handle owns the exclusive lock used by
// mutating operations. Reads go through whole-file snapshots.
type Store struct {
	dir         string
	lockTimeout time.Duration
	logger      logr.Logger

	// lockMu serialises mutating operations of this process; the flock on
	// lockFile serialises them across processes.
	lockMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// Open returns a handle on the authority directory dir, creating it if needed
func Open(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: directory is required", ErrStoreUnavailable)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	return &Store{
		dir:         dir,
		lockTimeout: opts.LockTimeout,
		logger:      opts.Logger,
	}, nil
}

// Close releases the handle. Further locking fails.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Dir returns the authority directory
func (s *Store) Dir() string { return s.dir }

func (s *Store) CACertPath() string { return filepath.Join(s.dir, "ca.crt") }
func (s *Store) CAKeyPath() string { return filepath.Join(s.dir, "private", "ca.key") }
func (s *Store) IssuedCertPath(id string) string { return filepath.Join(s.dir, "issued", id+".crt") }
func (s *Store) PrivateKeyPath(id string) string { return filepath.Join(s.dir, "private", id+".key") }
func (s *Store) RequestPath(id string) string { return filepath.Join(s.dir, "reqs", id+".req") }
func (s *Store) IndexPath() string { return filepath.Join(s.dir, indexFile) }
func (s *Store) SerialPath() string { return filepath.Join(s.dir, serialFile) }
func (s *Store) CRLNumberPath() string { return filepath.Join(s.dir, crlNumberFile) }
func (s *Store) CRLPath() string { return filepath.Join(s.dir, crlFile) }
func (s *Store) CertBySerialPath(hex string) string { return filepath.Join(s.dir, "certs_by_serial", hex+".pem") }

func (s *Store) revokedCertPath(hex string) string {
	return filepath.Join(s.dir, "revoked", "certs_by_serial", hex+".crt")
}

func (s *Store) revokedKeyPath(hex string) string {
	return filepath.Join(s.dir, "revoked", "private_by_serial", hex+".key")
}

func (s *Store) revokedReqPath(hex string) string {
	return filepath.Join(s.dir, "revoked", "reqs_by_serial", hex+".req")
}

// Initialized reports whether the CA certificate and the index exist
func (s *Store) Initialized() bool {
	for _, p := range []string{s.CACertPath(), s.CAKeyPath(), s.IndexPath()} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// InitLayout creates the empty directory tree, index, serial and crlnumber
// files. It fails if a CA already exists.
func (s *Store) InitLayout() error {
	if _, err := os.Stat(s.CACertPath()); err == nil {
		return ErrAlreadyInitialized
	}
	for _, d := range []string{
		"private", "issued", "reqs", "certs_by_serial",
		filepath.Join("revoked", "certs_by_serial"),
		filepath.Join("revoked", "private_by_serial"),
		filepath.Join("revoked", "reqs_by_serial"),
	} {
		if err := os.MkdirAll(filepath.Join(s.dir, d), 0700); err != nil {
			return err
		}
	}
	files := map[string][]byte{
		indexFile:     nil,
		indexAttrFile: []byte("unique_subject = no\n"),
		serialFile:    []byte("01\n"),
		crlNumberFile: []byte("01\n"),
	}
	for name, data := range files {
		if err := WriteFileAtomic(filepath.Join(s.dir, name), data, 0600); err != nil {
			return err
		}
	}
	return nil
}

// IndexBytes reads index.txt in a single pass
func (s *Store) IndexBytes() ([]byte, error) {
	data, err := os.ReadFile(s.IndexPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return data, nil
}

// Index returns a snapshot of the issuance index
func (s *Store) Index() (*Index, error) {
	data, err := s.IndexBytes()
	if err != nil {
		return nil, err
	}
	return ParseIndex(data)
}

// WriteIndex replaces index.txt with ix
func (s *Store) WriteIndex(ix *Index) error {
	return s.RestoreIndex(ix.Marshal())
}

// RestoreIndex replaces index.txt with raw bytes taken from IndexBytes
func (s *Store) RestoreIndex(data []byte) error {
	if err := WriteFileAtomic(s.IndexPath(), data, 0600); err != nil {
		return fmt.Errorf("unable to write index: %w", err)
	}
	return nil
}

// AdvanceSerial returns the next serial and persists its successor
func (s *Store) AdvanceSerial() (*big.Int, error) {
	return s.advanceCounter(s.SerialPath())
}

// AdvanceCRLNumber returns the next CRL number and persists its successor
func (s *Store) AdvanceCRLNumber() (*big.Int, error) {
	return s.advanceCounter(s.CRLNumberPath())
}

func (s *Store) advanceCounter(path string) (*big.Int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", filepath.Base(path), err)
	}
	current, ok := new(big.Int).SetString(strings.TrimSpace(string(data)), 16)
	if !ok || current.Sign() <= 0 {
		return nil, fmt.Errorf("invalid counter in %s: %q", filepath.Base(path), strings.TrimSpace(string(data)))
	}
	next := new(big.Int).Add(current, big.NewInt(1))
	if err := WriteFileAtomic(path, []byte(SerialHex(next)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("unable to write %s: %w", filepath.Base(path), err)
	}
	return current, nil
}

// RetireArtifacts moves the certificate, key and request of a revoked
// credential out of the live area into the revoked area, keyed by serial.
// Missing files are skipped.
func (s *Store) RetireArtifacts(identity string, serial *big.Int) error {
	for _, m := range s.artifactMoves(identity, serial) {
		if err := moveIfExists(m[0], m[1]); err != nil {
			return fmt.Errorf("unable to retire %s: %w", m[0], err)
		}
	}
	return nil
}

// RestoreArtifacts undoes RetireArtifacts
func (s *Store) RestoreArtifacts(identity string, serial *big.Int) error {
	for _, m := range s.artifactMoves(identity, serial) {
		if err := moveIfExists(m[1], m[0]); err != nil {
			return fmt.Errorf("unable to restore %s: %w", m[0], err)
		}
	}
	return nil
}

func (s *Store) artifactMoves(identity string, serial *big.Int) [][2]string {
	hex := SerialHex(serial)
	return [][2]string{
		{s.IssuedCertPath(identity), s.revokedCertPath(hex)},
		{s.PrivateKeyPath(identity), s.revokedKeyPath(hex)},
		{s.RequestPath(identity), s.revokedReqPath(hex)},
	}
}

// Orphans returns the live key, request and certificate files whose
// identity has no issued row in ix. The CA key is never an orphan.
func (s *Store) Orphans(ix *Index) ([]string, error) {
	var out []string
	dirs := []struct{ dir, ext string }{
		{"issued", ".crt"},
		{"private", ".key"},
		{"reqs", ".req"},
	}
	for _, d := range dirs {
		entries, err := os.ReadDir(filepath.Join(s.dir, d.dir))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, d.ext) {
				continue
			}
			id := strings.TrimSuffix(name, d.ext)
			if d.dir == "private" && id == "ca" {
				continue
			}
			if _, ok := ix.Issued(id); !ok {
				out = append(out, filepath.Join(s.dir, d.dir, name))
			}
		}
	}
	return out, nil
}

// OrphansFor returns the orphaned files of a single identity
func (s *Store) OrphansFor(ix *Index, identity string) []string {
	if _, ok := ix.Issued(identity); ok {
		return nil
	}
	var out []string
	for _, p := range []string{s.IssuedCertPath(identity), s.PrivateKeyPath(identity), s.RequestPath(identity)} {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func moveIfExists(from, to string) error {
	if _, err := os.Stat(from); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(to), 0700); err != nil {
		return err
	}
	return os.Rename(from, to)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
