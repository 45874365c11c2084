package cmd

import (
	"errors"

	"github.com/3scale/ovpn-pki-manager/pkg/authority"
	"github.com/3scale/ovpn-pki-manager/pkg/endpoint"
	"github.com/3scale/ovpn-pki-manager/pkg/toolkit"
)

// Exit codes
const (
	exitGeneric          = 1
	exitConflict         = 2
	exitNotIssued        = 3
	exitStoreUnavailable = 4
	exitResolution       = 5
	exitToolFailure      = 6
	exitInvalidIdentity  = 7
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, authority.ErrInvalidIdentity):
		return exitInvalidIdentity
	case errors.Is(err, authority.ErrConflict):
		return exitConflict
	case errors.Is(err, authority.ErrNotIssued):
		return exitNotIssued
	case errors.Is(err, authority.ErrStoreUnavailable):
		return exitStoreUnavailable
	case errors.Is(err, endpoint.ErrResolution):
		return exitResolution
	case errors.Is(err, toolkit.ErrToolFailure):
		return exitToolFailure
	}
	return exitGeneric
}
