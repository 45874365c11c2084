// Package bundle renders the self-contained OpenVPN client profile of a
// credential and verifies the framing of rendered profiles.
package bundle

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/x509"
	_ "embed"
	"fmt"
	"path"
	"strings"
	"text/template"

	"github.com/3scale/ovpn-pki-manager/pkg/toolkit"
)

// Tunnel secret modes
const (
	ModeTLSCrypt = "tls-crypt"
	ModeTLSAuth  = "tls-auth"
)

//go:embed config.ovpn.tpl
var defaultTemplate string

// Input is the data a profile is rendered from
type Input struct {
	Identity     string
	ServerName   string
	Host         string
	Port         int
	Proto        string
	CA           []byte
	Certificate  []byte
	PrivateKey   []byte
	TunnelSecret []byte
	TunnelMode   string
}

// Section is one <tag>...</tag> block of a profile
type Section struct {
	Name string
	Body string
}

// Contents is the parsed material of a verified profile
type Contents struct {
	CA           *x509.Certificate
	Certificate  *x509.Certificate
	PrivateKey   crypto.Signer
	TunnelSecret []byte
	Sections     []Section
}

// Builder renders profiles from a template
type Builder struct {
	tpl *template.Template
}

// NewBuilder loads the template at tplPath, or the embedded default when
// tplPath is empty
func NewBuilder(tplPath string) (*Builder, error) {
	var tpl *template.Template
	var err error
	if tplPath == "" {
		tpl, err = template.New("config.ovpn.tpl").Parse(defaultTemplate)
	} else {
		tpl, err = template.New(path.Base(tplPath)).ParseFiles(tplPath)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load config.ovpn template: %w", err)
	}
	return &Builder{tpl: tpl}, nil
}

// Build renders the profile for in and verifies that the result holds
// exactly the four expected sections
func (b *Builder) Build(in Input) ([]byte, error) {
	if in.Host == "" || in.Port <= 0 {
		return nil, fmt.Errorf("profile for %s has no usable endpoint", in.Identity)
	}
	mode := in.TunnelMode
	if mode == "" {
		mode = ModeTLSCrypt
	}
	if mode != ModeTLSCrypt && mode != ModeTLSAuth {
		return nil, fmt.Errorf("unknown tunnel mode %q", mode)
	}
	certPEM, err := certificateBlock(in.Certificate)
	if err != nil {
		return nil, fmt.Errorf("client certificate: %w", err)
	}

	data := struct {
		Identity     string
		ServerName   string
		Host         string
		Port         int
		Proto        string
		CA           string
		Certificate  string
		PrivateKey   string
		TunnelSecret string
		TunnelMode   string
	}{
		Identity:     in.Identity,
		ServerName:   in.ServerName,
		Host:         in.Host,
		Port:         in.Port,
		Proto:        in.Proto,
		CA:           strings.TrimSpace(string(in.CA)),
		Certificate:  strings.TrimSpace(certPEM),
		PrivateKey:   strings.TrimSpace(string(in.PrivateKey)),
		TunnelSecret: strings.TrimSpace(string(in.TunnelSecret)),
		TunnelMode:   mode,
	}

	var out bytes.Buffer
	if err := b.tpl.Execute(&out, data); err != nil {
		return nil, fmt.Errorf("unable to resolve config.ovpn template: %w", err)
	}

	contents, err := Verify(out.Bytes(), mode)
	if err != nil {
		return nil, fmt.Errorf("rendered profile is malformed: %w", err)
	}
	if contents.Certificate.Subject.CommonName != in.Identity {
		return nil, fmt.Errorf("rendered profile carries certificate for %q, expected %q", contents.Certificate.Subject.CommonName, in.Identity)
	}
	return out.Bytes(), nil
}

// Sections splits a profile into its inline blocks, in order
func Sections(profile []byte) ([]Section, error) {
	var sections []Section
	var current *Section
	var body strings.Builder

	scanner := bufio.NewScanner(bytes.NewReader(profile))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if current == nil {
			if strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">") && !strings.HasPrefix(line, "</") {
				current = &Section{Name: strings.Trim(line, "<>")}
				body.Reset()
			}
			continue
		}
		if line == "</"+current.Name+">" {
			current.Body = body.String()
			sections = append(sections, *current)
			current = nil
			continue
		}
		if strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">") {
			return nil, fmt.Errorf("section <%s> is not closed before %s", current.Name, line)
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if current != nil {
		return nil, fmt.Errorf("section <%s> is not closed", current.Name)
	}
	return sections, nil
}

// Verify checks that profile holds exactly the CA certificate, the client
// certificate, the client key and the tunnel secret, in that order, and
// that each of them parses
func Verify(profile []byte, mode string) (*Contents, error) {
	sections, err := Sections(profile)
	if err != nil {
		return nil, err
	}
	want := []string{"ca", "cert", "key", mode}
	if len(sections) != len(want) {
		return nil, fmt.Errorf("expected %d sections, found %d", len(want), len(sections))
	}
	for i, s := range sections {
		if s.Name != want[i] {
			return nil, fmt.Errorf("section %d is <%s>, expected <%s>", i+1, s.Name, want[i])
		}
	}

	c := &Contents{Sections: sections}
	if c.CA, err = toolkit.ParseCertificatePEM([]byte(sections[0].Body)); err != nil {
		return nil, fmt.Errorf("<ca>: %w", err)
	}
	if c.Certificate, err = toolkit.ParseCertificatePEM([]byte(sections[1].Body)); err != nil {
		return nil, fmt.Errorf("<cert>: %w", err)
	}
	if c.PrivateKey, err = toolkit.ParsePrivateKeyPEM([]byte(sections[2].Body)); err != nil {
		return nil, fmt.Errorf("<key>: %w", err)
	}
	if c.TunnelSecret, err = ParseStaticKey([]byte(sections[3].Body)); err != nil {
		return nil, fmt.Errorf("<%s>: %w", mode, err)
	}
	return c, nil
}

// certificateBlock returns only the PEM block of an issued certificate,
// dropping the text dump easy-rsa writes in front of it
func certificateBlock(data []byte) (string, error) {
	text := string(data)
	start := strings.Index(text, "-----BEGIN CERTIFICATE-----")
	if start < 0 {
		return "", fmt.Errorf("no CERTIFICATE block found")
	}
	marker := "-----END CERTIFICATE-----"
	end := strings.Index(text[start:], marker)
	if end < 0 {
		return "", fmt.Errorf("unterminated CERTIFICATE block")
	}
	return text[start : start+end+len(marker)], nil
}
