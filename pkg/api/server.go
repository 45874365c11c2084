// Package api exposes the credential lifecycle operations over HTTP
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/3scale/ovpn-pki-manager/pkg/authority"
	"github.com/3scale/ovpn-pki-manager/pkg/endpoint"
	"github.com/3scale/ovpn-pki-manager/pkg/operations"
	"github.com/3scale/ovpn-pki-manager/pkg/toolkit"
	"github.com/go-logr/logr"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Service is the part of operations.Manager served over HTTP
type Service interface {
	Users(ctx context.Context) (map[string][]operations.Credential, error)
	Issue(ctx context.Context, r operations.IssueRequest) (*operations.IssueResult, error)
	Revoke(ctx context.Context, r operations.RevokeRequest) (*operations.RevokeResult, error)
	Bundle(ctx context.Context, identity string) (*operations.BundleResult, error)
	ReadBundle(ctx context.Context, identity string) (*operations.BundleResult, error)
	GetCRL(ctx context.Context) ([]byte, error)
	RefreshCRL(ctx context.Context) ([]byte, []string, error)
}

// NewHandler returns the API router wrapped with access logging to out
// and panic recovery. A nil auth disables authentication.
func NewHandler(svc Service, auth Authenticator, out io.Writer, logger logr.Logger) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	s := &server{svc: svc, logger: logger}
	protected := r.NewRoute().Subrouter()
	protected.Use(authMiddleware(auth, logger))
	protected.HandleFunc("/users", s.users).Methods(http.MethodGet)
	protected.HandleFunc("/issue/{identity}", s.issue).Methods(http.MethodPost)
	protected.HandleFunc("/revoke/{identity}", s.revoke).Methods(http.MethodDelete)
	protected.HandleFunc("/bundle/{identity}", s.bundle).Methods(http.MethodGet)
	protected.HandleFunc("/bundle/{identity}", s.rebuildBundle).Methods(http.MethodPost)
	protected.HandleFunc("/crl", s.crl).Methods(http.MethodGet)
	protected.HandleFunc("/crl", s.refreshCRL).Methods(http.MethodPost)

	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{logger}))(
		handlers.CombinedLoggingHandler(out, r))
}

type server struct {
	svc    Service
	logger logr.Logger
}

func (s *server) users(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.Users(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *server) issue(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Issue(r.Context(), operations.IssueRequest{
		Identity: mux.Vars(r)["identity"],
		Confirm:  r.URL.Query().Get("confirm") == "true",
		Actor:    actor(r.Context()),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	for _, warning := range res.Warnings {
		w.Header().Add("Warning", fmt.Sprintf("199 - %q", warning))
	}
	writeProfile(w, http.StatusCreated, res.Profile)
}

func (s *server) revoke(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Revoke(r.Context(), operations.RevokeRequest{
		Identity: mux.Vars(r)["identity"],
		Actor:    actor(r.Context()),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) bundle(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ReadBundle(r.Context(), mux.Vars(r)["identity"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeProfile(w, http.StatusOK, res.Profile)
}

func (s *server) rebuildBundle(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Bundle(r.Context(), mux.Vars(r)["identity"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeProfile(w, http.StatusOK, res.Profile)
}

func (s *server) crl(w http.ResponseWriter, r *http.Request) {
	crl, err := s.svc.GetCRL(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write(crl)
}

func (s *server) refreshCRL(w http.ResponseWriter, r *http.Request) {
	crl, warnings, err := s.svc.RefreshCRL(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	for _, warning := range warnings {
		w.Header().Add("Warning", fmt.Sprintf("199 - %q", warning))
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write(crl)
}

func (s *server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(err, "request failed")
	}
	writeError(w, status, err.Error())
}

// statusFor maps the error kinds of the operations to HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, authority.ErrInvalidIdentity):
		return http.StatusBadRequest
	case errors.Is(err, authority.ErrNotIssued), errors.Is(err, operations.ErrNoBundle):
		return http.StatusNotFound
	case errors.Is(err, authority.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, authority.ErrStoreUnavailable), errors.Is(err, authority.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, endpoint.ErrResolution):
		return http.StatusBadGateway
	case errors.Is(err, toolkit.ErrToolFailure):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeProfile(w http.ResponseWriter, status int, profile []byte) {
	w.Header().Set("Content-Type", "application/x-openvpn-profile")
	w.WriteHeader(status)
	w.Write(profile)
}

// recoveryLogger sends the panics caught by handlers.RecoveryHandler to logr
type recoveryLogger struct {
	logger logr.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error(fmt.Errorf("%s", fmt.Sprint(v...)), "recovered from panic")
}
