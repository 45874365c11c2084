package operations

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoBundle is returned when an issued identity has no profile on disk
var ErrNoBundle = errors.New("no profile written")

// Credential represents a client certificate recorded
// in the authority's issuance index
type Credential struct {
	Identity       string     `json:"identity" yaml:"identity"`
	Serial         string     `json:"serial" yaml:"serial"`
	Status         string     `json:"status" yaml:"status"`
	IssuerCN       string     `json:"issuerCN,omitempty" yaml:"issuerCN,omitempty"`
	NotBefore      time.Time  `json:"notBefore,omitzero" yaml:"notBefore,omitempty"`
	NotAfter       time.Time  `json:"notAfter" yaml:"notAfter"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty" yaml:"revokedAt,omitempty"`
	Reason         string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	CertificatePEM string     `json:"certificate-pem,omitempty" yaml:"-"`
}

// Error is returned by every Manager operation. It names the operation
// and identity and wraps the error kind so errors.Is keeps working.
type Error struct {
	Op       string
	Identity string
	Err      error
}

func (e *Error) Error() string {
	if e.Identity == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Identity, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IssueRequest is the structure containing
// the required data to issue a new certificate
type IssueRequest struct {
	Identity string
	// Confirm allows replacing an already issued credential
	Confirm bool
	// Actor is recorded in the audit journal
	Actor string
}

// IssueResult describes a completed issuance
type IssueResult struct {
	Credential Credential
	BundlePath string
	Profile    []byte
	// Superseded is the credential revoked to make room for the new one
	Superseded *Credential
	Warnings   []string
}

// RevokeRequest is the structure containing
// the required data to revoke a certificate
type RevokeRequest struct {
	Identity string
	Actor    string
}

// RevokeResult describes a completed revocation. Warnings report steps
// after the CRL update that failed without undoing the revocation.
type RevokeResult struct {
	Credential Credential
	Warnings   []string
}

// BundleResult is a written client profile
type BundleResult struct {
	Path    string
	Profile []byte
}
