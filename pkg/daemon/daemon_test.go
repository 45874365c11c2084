package daemon

import (
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "systemctl")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestReloadSignalsPID(t *testing.T) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	pidFile := filepath.Join(t.TempDir(), "server.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))

	c := &Controller{PIDFile: pidFile, Logger: logr.Discard()}
	require.NoError(t, c.Reload(t.Context()))

	select {
	case <-hup:
	case <-time.After(5 * time.Second):
		t.Fatal("SIGHUP was not delivered")
	}
}

func TestReloadWithoutDaemon(t *testing.T) {
	c := &Controller{PIDFile: filepath.Join(t.TempDir(), "missing.pid"), Logger: logr.Discard()}
	assert.ErrorIs(t, c.Reload(t.Context()), ErrNotRunning)

	// a reaped child leaves a pid nobody owns
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	pidFile := filepath.Join(t.TempDir(), "stale.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0644))
	c.PIDFile = pidFile
	assert.ErrorIs(t, c.Reload(t.Context()), ErrNotRunning)
}

func TestNotifyFallsBackToRestart(t *testing.T) {
	log := filepath.Join(t.TempDir(), "calls")
	c := &Controller{
		PIDFile:   filepath.Join(t.TempDir(), "missing.pid"),
		Unit:      "openvpn@server",
		Systemctl: writeScript(t, `echo "$@" >> `+log+"\n"),
		Logger:    logr.Discard(),
	}
	require.NoError(t, c.Notify(t.Context()))

	calls, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Equal(t, "restart openvpn@server\n", string(calls))
}

func TestNotifyReportsBothFailures(t *testing.T) {
	c := &Controller{
		PIDFile:   filepath.Join(t.TempDir(), "missing.pid"),
		Unit:      "openvpn@server",
		Systemctl: writeScript(t, "echo 'Unit not found' >&2\nexit 5\n"),
		Logger:    logr.Discard(),
	}
	err := c.Notify(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unit not found")
}

func TestInstallCRL(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "crl.pem")
	require.NoError(t, os.WriteFile(src, []byte("crl"), 0600))

	c := &Controller{CRLPath: filepath.Join(dir, "chroot", "crl.pem"), Logger: logr.Discard()}
	require.NoError(t, c.InstallCRL(src))

	fi, err := os.Stat(c.CRLPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), fi.Mode().Perm())
	data, err := os.ReadFile(c.CRLPath)
	require.NoError(t, err)
	assert.Equal(t, "crl", string(data))

	assert.NoError(t, (&Controller{Logger: logr.Discard()}).InstallCRL(src))
}
