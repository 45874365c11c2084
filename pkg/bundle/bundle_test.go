package bundle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3scale/ovpn-pki-manager/pkg/authority"
	"github.com/3scale/ovpn-pki-manager/pkg/toolkit"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInput(t *testing.T, identity string) Input {
	t.Helper()
	ctx := t.Context()
	store, err := authority.Open(filepath.Join(t.TempDir(), "pki"), authority.Options{})
	require.NoError(t, err)
	n := &toolkit.Native{Store: store, KeyAlgo: "ec", CertDays: 30, CRLDays: 30, Logger: logr.Discard()}
	require.NoError(t, n.InitPKI(ctx))
	require.NoError(t, n.BuildCA(ctx, "Test CA"))
	require.NoError(t, n.BuildClientFull(ctx, identity))

	read := func(p string) []byte {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		return data
	}
	secret, err := GenerateStaticKey(nil)
	require.NoError(t, err)

	// easy-rsa prefixes issued certificates with a text dump
	cert := append([]byte("Certificate:\n    Data:\n"), read(store.IssuedCertPath(identity))...)
	return Input{
		Identity:     identity,
		ServerName:   "server",
		Host:         "vpn.example.com",
		Port:         1194,
		Proto:        "udp",
		CA:           read(store.CACertPath()),
		Certificate:  cert,
		PrivateKey:   read(store.PrivateKeyPath(identity)),
		TunnelSecret: secret,
		TunnelMode:   ModeTLSCrypt,
	}
}

func TestBuildTLSCrypt(t *testing.T) {
	b, err := NewBuilder("")
	require.NoError(t, err)
	in := newInput(t, "alice")

	profile, err := b.Build(in)
	require.NoError(t, err)

	text := string(profile)
	assert.Contains(t, text, "remote vpn.example.com 1194\n")
	assert.Contains(t, text, "proto udp\n")
	assert.Contains(t, text, "verify-x509-name server name\n")
	assert.NotContains(t, text, "Certificate:")
	assert.NotContains(t, text, "key-direction")

	contents, err := Verify(profile, ModeTLSCrypt)
	require.NoError(t, err)
	require.Len(t, contents.Sections, 4)
	assert.Equal(t, []string{"ca", "cert", "key", "tls-crypt"}, sectionNames(contents.Sections))
	assert.Equal(t, "alice", contents.Certificate.Subject.CommonName)
	assert.Equal(t, "Test CA", contents.CA.Subject.CommonName)
	assert.NoError(t, contents.Certificate.CheckSignatureFrom(contents.CA))
	assert.Len(t, contents.TunnelSecret, 256)
}

func TestBuildTLSAuth(t *testing.T) {
	b, err := NewBuilder("")
	require.NoError(t, err)
	in := newInput(t, "bob")
	in.TunnelMode = ModeTLSAuth

	profile, err := b.Build(in)
	require.NoError(t, err)
	assert.Contains(t, string(profile), "key-direction 1\n<tls-auth>\n")

	contents, err := Verify(profile, ModeTLSAuth)
	require.NoError(t, err)
	assert.Equal(t, []string{"ca", "cert", "key", "tls-auth"}, sectionNames(contents.Sections))

	_, err = Verify(profile, ModeTLSCrypt)
	assert.Error(t, err)
}

func TestBuildRejectsUnusableEndpoint(t *testing.T) {
	b, err := NewBuilder("")
	require.NoError(t, err)
	in := newInput(t, "alice")
	in.Host = ""
	_, err = b.Build(in)
	assert.ErrorContains(t, err, "no usable endpoint")
}

func TestBuildCustomTemplateMissingSection(t *testing.T) {
	tplPath := filepath.Join(t.TempDir(), "broken.ovpn.tpl")
	require.NoError(t, os.WriteFile(tplPath, []byte("client\nremote {{ .Host }} {{ .Port }}\n<ca>\n{{ .CA }}\n</ca>\n<cert>\n{{ .Certificate }}\n</cert>\n"), 0600))
	b, err := NewBuilder(tplPath)
	require.NoError(t, err)

	_, err = b.Build(newInput(t, "alice"))
	assert.ErrorContains(t, err, "expected 4 sections, found 2")
}

func TestBuildRejectsMismatchedCertificate(t *testing.T) {
	b, err := NewBuilder("")
	require.NoError(t, err)
	in := newInput(t, "alice")
	in.Identity = "mallory"
	_, err = b.Build(in)
	assert.ErrorContains(t, err, "expected \"mallory\"")
}

func TestNewBuilderMissingTemplate(t *testing.T) {
	_, err := NewBuilder(filepath.Join(t.TempDir(), "missing.tpl"))
	assert.Error(t, err)
}

func TestSectionsErrors(t *testing.T) {
	_, err := Sections([]byte("<ca>\nabc\n"))
	assert.ErrorContains(t, err, "not closed")

	_, err = Sections([]byte("<ca>\nabc\n<cert>\n</cert>\n"))
	assert.ErrorContains(t, err, "not closed before")

	sections, err := Sections([]byte("client\n<ca>\nline\n</ca>\n"))
	require.NoError(t, err)
	assert.Equal(t, []Section{{Name: "ca", Body: "line\n"}}, sections)
}

func TestStaticKey(t *testing.T) {
	data, err := GenerateStaticKey(nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "#\n# 2048 bit OpenVPN static key\n#\n"))
	assert.Equal(t, 16+5, strings.Count(string(data), "\n"))

	key, err := ParseStaticKey(data)
	require.NoError(t, err)
	assert.Len(t, key, 256)

	_, err = ParseStaticKey([]byte("-----BEGIN OpenVPN Static key V1-----\nabcd\n-----END OpenVPN Static key V1-----\n"))
	assert.ErrorContains(t, err, "expected 256")
	_, err = ParseStaticKey([]byte("garbage"))
	assert.Error(t, err)
}

func sectionNames(sections []Section) []string {
	var out []string
	for _, s := range sections {
		out = append(out, s.Name)
	}
	return out
}
