package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/3scale/ovpn-pki-manager/pkg/audit"
	"github.com/3scale/ovpn-pki-manager/pkg/authority"
	"github.com/3scale/ovpn-pki-manager/pkg/bundle"
	"github.com/3scale/ovpn-pki-manager/pkg/endpoint"
	"github.com/3scale/ovpn-pki-manager/pkg/toolkit"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

type fakeDaemon struct {
	mu         sync.Mutex
	installs   int
	notifies   int
	installErr error
	notifyErr  error
}

func (d *fakeDaemon) InstallCRL(src string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.installErr != nil {
		return d.installErr
	}
	d.installs++
	return nil
}

func (d *fakeDaemon) Notify(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifies++
	return d.notifyErr
}

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][]byte
	withdrawn []string
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, identity string, profile []byte, logger logr.Logger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.published == nil {
		p.published = map[string][]byte{}
	}
	p.published[identity] = profile
	return nil
}

func (p *fakePublisher) Withdraw(ctx context.Context, identity string, logger logr.Logger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.withdrawn = append(p.withdrawn, identity)
	return nil
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context) (endpoint.Endpoint, error) {
	return endpoint.Endpoint{}, fmt.Errorf("%w: lookup timed out", endpoint.ErrResolution)
}

// hookResolver runs before ahead of every resolution
type hookResolver struct {
	endpoint.Resolver
	before func()
}

func (r hookResolver) Resolve(ctx context.Context) (endpoint.Endpoint, error) {
	r.before()
	return r.Resolver.Resolve(ctx)
}

// crlFailure makes every CRL generation fail
type crlFailure struct {
	toolkit.Toolkit
}

func (crlFailure) GenCRL(ctx context.Context) error {
	return &toolkit.ToolError{Tool: "test", Op: "gen-crl", Output: "disk full", Err: errors.New("exit status 1")}
}

func openStore(t *testing.T, dir string) *authority.Store {
	t.Helper()
	store, err := authority.Open(dir, authority.Options{LockTimeout: 10 * time.Second, Logger: logr.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestManager(t *testing.T) (*Manager, *fakeDaemon) {
	t.Helper()
	root := t.TempDir()
	store := openStore(t, filepath.Join(root, "pki"))
	builder, err := bundle.NewBuilder("")
	require.NoError(t, err)

	d := &fakeDaemon{}
	m := &Manager{
		Store:    store,
		Toolkit:  &toolkit.Native{Store: store, KeyAlgo: "ec", CertDays: 825, CRLDays: 180, Logger: logr.Discard()},
		Resolver: &endpoint.Static{Endpoint: endpoint.Endpoint{Host: "vpn.example.com", Port: 1194, Proto: "udp"}},
		Builder:  builder,
		Daemon:   d,

		ServerName:       "server",
		CACN:             "Test CA",
		BundlesDir:       filepath.Join(root, "clients"),
		TunnelSecretPath: filepath.Join(root, "ta.key"),
		TunnelMode:       bundle.ModeTLSCrypt,
		Logger:           logr.Discard(),
	}
	require.NoError(t, m.Init(t.Context(), "test"))
	return m, d
}

// sibling returns a Manager working on the same authority directory
// through its own store handle, as a second process would
func sibling(t *testing.T, m *Manager) *Manager {
	t.Helper()
	store := openStore(t, m.Store.Dir())
	m2 := *m
	m2.Store = store
	m2.Toolkit = &toolkit.Native{Store: store, KeyAlgo: "ec", CertDays: 825, CRLDays: 180, Logger: logr.Discard()}
	m2.closers = nil
	return &m2
}

func withJournal(t *testing.T, m *Manager) *audit.Journal {
	t.Helper()
	j, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"), 0)
	require.NoError(t, err)
	m.Journal = j
	return j
}

func crlSerials(t *testing.T, m *Manager) []string {
	t.Helper()
	data, err := m.GetCRL(t.Context())
	require.NoError(t, err)
	serials, err := RevokedSerials(data)
	require.NoError(t, err)
	return serials
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
