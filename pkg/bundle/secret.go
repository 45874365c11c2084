package bundle

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	staticKeyBegin = "-----BEGIN OpenVPN Static key V1-----"
	staticKeyEnd   = "-----END OpenVPN Static key V1-----"
	staticKeySize  = 256
)

// GenerateStaticKey returns a new 2048 bit OpenVPN static key, the shared
// secret used by tls-crypt and tls-auth
func GenerateStaticKey(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	key := make([]byte, staticKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("unable to generate static key: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("#\n# 2048 bit OpenVPN static key\n#\n")
	buf.WriteString(staticKeyBegin + "\n")
	for i := 0; i < staticKeySize; i += 16 {
		buf.WriteString(hex.EncodeToString(key[i:i+16]) + "\n")
	}
	buf.WriteString(staticKeyEnd + "\n")
	return buf.Bytes(), nil
}

// ParseStaticKey checks the framing of an OpenVPN static key and returns
// the key bytes
func ParseStaticKey(data []byte) ([]byte, error) {
	text := string(data)
	start := strings.Index(text, staticKeyBegin)
	end := strings.Index(text, staticKeyEnd)
	if start < 0 || end < start {
		return nil, fmt.Errorf("missing OpenVPN static key markers")
	}
	body := strings.Join(strings.Fields(text[start+len(staticKeyBegin):end]), "")
	key, err := hex.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("invalid static key: %w", err)
	}
	if len(key) != staticKeySize {
		return nil, fmt.Errorf("static key has %d bytes, expected %d", len(key), staticKeySize)
	}
	return key, nil
}
