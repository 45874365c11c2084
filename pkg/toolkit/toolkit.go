// Package toolkit drives the PKI toolkit that owns the on-disk layout of the
// authority: either the easyrsa script itself or a native implementation
// that produces the same layout.
package toolkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrToolFailure is matched by every error returned by a toolkit operation
// that failed inside the toolkit itself
var ErrToolFailure = errors.New("tool failure")

// Toolkit is the set of easy-rsa operations the manager relies on. Callers
// must hold the store lock around every mutating call.
type Toolkit interface {
	// InitPKI creates an empty authority directory
	InitPKI(ctx context.Context) error
	// BuildCA creates the authority key and self-signed certificate
	BuildCA(ctx context.Context, commonName string) error
	// BuildServerFull issues the server credential
	BuildServerFull(ctx context.Context, name string) error
	// BuildClientFull issues a client credential
	BuildClientFull(ctx context.Context, name string) error
	// Revoke marks the issued credential of name as revoked
	Revoke(ctx context.Context, name string, reason string) error
	// GenCRL regenerates crl.pem from every revoked row of the index
	GenCRL(ctx context.Context) error
}

// ToolError carries the diagnostic of a failed toolkit operation verbatim
type ToolError struct {
	Tool   string
	Op     string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%v: %s %s: %v", ErrToolFailure, e.Tool, e.Op, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// Is makes every ToolError match ErrToolFailure
func (e *ToolError) Is(target error) bool { return target == ErrToolFailure }
