package toolkit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEasyRSA writes a shell script that records its arguments and
// environment, then exits with the given status.
func fakeEasyRSA(t *testing.T, status int, stderr string) (bin, log string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "easyrsa")
	log = filepath.Join(dir, "calls.log")
	script := "#!/bin/sh\n" +
		"echo \"$@ cn=$EASYRSA_REQ_CN batch=$EASYRSA_BATCH pki=$EASYRSA_PKI algo=$EASYRSA_ALGO\" >> " + log + "\n"
	if stderr != "" {
		script += "echo '" + stderr + "' >&2\n"
	}
	script += "exit " + string(rune('0'+status)) + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0700))
	return bin, log
}

func TestEasyRSACommands(t *testing.T) {
	bin, log := fakeEasyRSA(t, 0, "")
	e := &EasyRSA{Bin: bin, PKIDir: "/srv/pki", KeyAlgo: "ec", CertDays: 825, CRLDays: 180, Logger: logr.Discard()}
	ctx := t.Context()

	require.NoError(t, e.InitPKI(ctx))
	require.NoError(t, e.BuildCA(ctx, "My CA"))
	require.NoError(t, e.BuildServerFull(ctx, "server"))
	require.NoError(t, e.BuildClientFull(ctx, "alice"))
	require.NoError(t, e.Revoke(ctx, "alice", "superseded"))
	require.NoError(t, e.GenCRL(ctx))

	data, err := os.ReadFile(log)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "--batch --pki-dir=/srv/pki init-pki"))
	assert.Contains(t, lines[1], "build-ca nopass cn=My CA")
	assert.Contains(t, lines[2], "build-server-full server nopass")
	assert.Contains(t, lines[3], "build-client-full alice nopass")
	assert.Contains(t, lines[3], "batch=1 pki=/srv/pki algo=ec")
	assert.Contains(t, lines[4], "revoke alice superseded")
	assert.Contains(t, lines[5], "gen-crl")
}

func TestEasyRSAFailureCarriesDiagnostic(t *testing.T) {
	bin, _ := fakeEasyRSA(t, 1, "Request file already exists")
	e := &EasyRSA{Bin: bin, PKIDir: t.TempDir(), Logger: logr.Discard()}

	err := e.BuildClientFull(t.Context(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolFailure)

	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "build-client-full", terr.Op)
	assert.Equal(t, "tool failure: easyrsa build-client-full: exit status 1: Request file already exists", err.Error())
}

func TestEasyRSAMissingBinary(t *testing.T) {
	e := &EasyRSA{Bin: filepath.Join(t.TempDir(), "missing"), PKIDir: t.TempDir(), Logger: logr.Discard()}
	assert.ErrorIs(t, e.GenCRL(t.Context()), ErrToolFailure)
}
