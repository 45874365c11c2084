package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3scale/ovpn-pki-manager/pkg/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/hashicorp/vault/api"
	auth "github.com/hashicorp/vault/api/auth/approle"
)

// AuthenticatedClient represents an authenticated
// client that can talk to the vault server
type AuthenticatedClient interface {
	GetClient(logr.Logger) (*api.Client, error)
}

// NewAuthenticatedClient picks token or approle authentication
// depending on which credentials are configured
func NewAuthenticatedClient(cfg config.VaultConfig) AuthenticatedClient {
	if cfg.Token != "" {
		return &TokenAuthenticatedClient{Address: cfg.Address, Token: cfg.Token}
	}
	return &ApproleAuthenticatedClient{
		Address:     cfg.Address,
		RoleID:      cfg.RoleID,
		SecretID:    cfg.SecretID,
		BackendPath: cfg.ApprolePath,
	}
}

// TokenAuthenticatedClient builds a Vault client from a static token.
// Does not implement token renewal
type TokenAuthenticatedClient struct {
	Address string
	Token   string
	client  *api.Client
	sync.Mutex
}

func (tac *TokenAuthenticatedClient) GetClient(logr.Logger) (*api.Client, error) {
	tac.Lock()
	defer tac.Unlock()

	if tac.client == nil {
		client, err := newClient(tac.Address)
		if err != nil {
			return nil, err
		}
		client.SetToken(tac.Token)
		tac.client = client
	}
	return tac.client, nil
}

// ApproleAuthenticatedClient logs in with Vault's AppRole auth backend
// and keeps renewing the obtained token in the background
type ApproleAuthenticatedClient struct {
	Address     string
	SecretID    string
	RoleID      string
	BackendPath string
	client      *api.Client
	sync.Mutex
}

func (aac *ApproleAuthenticatedClient) GetClient(logger logr.Logger) (*api.Client, error) {
	aac.Lock()
	defer aac.Unlock()

	if aac.client != nil {
		return aac.client, nil
	}

	client, err := newClient(aac.Address)
	if err != nil {
		return nil, err
	}
	aac.client = client

	// first login is synchronous so the returned client is usable
	secret, err := aac.login(context.Background(), logger)
	if err != nil {
		aac.client = nil
		return nil, err
	}

	go func() {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		for {
			if err := aac.manageTokenLifecycle(secret, logger); err != nil {
				logger.Error(err, "unable to start managing token lifecycle")
			}
			b.Reset()
			_ = backoff.Retry(func() error {
				s, err := aac.login(context.Background(), logger)
				if err != nil {
					logger.Error(err, "unable to authenticate to Vault")
					return err
				}
				secret = s
				return nil
			}, b)
		}
	}()

	return aac.client, nil
}

func (aac *ApproleAuthenticatedClient) login(ctx context.Context, logger logr.Logger) (*api.Secret, error) {
	ctx, cancel := context.WithTimeout(ctx, config.VaultApiTimeout)
	defer cancel()

	opts := []auth.LoginOption{}
	if aac.BackendPath != "" {
		opts = append(opts, auth.WithMountPath(aac.BackendPath))
	}
	appRoleAuth, err := auth.NewAppRoleAuth(
		aac.RoleID,
		&auth.SecretID{FromString: aac.SecretID},
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize AppRole auth method: %w", err)
	}

	authInfo, err := aac.client.Auth().Login(ctx, appRoleAuth)
	if err != nil {
		return nil, fmt.Errorf("unable to login to AppRole auth method: %w", err)
	}
	if authInfo == nil {
		return nil, fmt.Errorf("no auth info was returned after login")
	}
	logger.V(1).Info("Successfully logged into Vault using AppRole auth")

	return authInfo, nil
}

// Returns only fatal errors as errors, otherwise returns nil
// so we can attempt login again.
func (aac *ApproleAuthenticatedClient) manageTokenLifecycle(token *api.Secret, logger logr.Logger) error {
	if token == nil || token.Auth == nil {
		return nil
	}
	if !token.Auth.Renewable {
		// log in again once two thirds of the lease are gone
		wait := time.Duration(token.Auth.LeaseDuration) * time.Second * 2 / 3
		logger.V(1).Info("Token is not configured to be renewable. Re-attempting login later.", "wait", wait.String())
		time.Sleep(max(wait, time.Second))
		return nil
	}

	watcher, err := aac.client.NewLifetimeWatcher(&api.LifetimeWatcherInput{
		Secret:    token,
		Increment: 3600,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize new lifetime watcher for renewing auth token: %w", err)
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		// DoneCh returns when renewal fails or the token reached its max TTL
		case err := <-watcher.DoneCh():
			if err != nil {
				logger.Error(err, "failed to renew token, re-attempting login")
				return nil
			}
			logger.V(1).Info("token can no longer be renewed, re-attempting login")
			return nil

		case <-watcher.RenewCh():
			logger.V(1).Info("Successfully renewed Vault token")
		}
	}
}

func newClient(address string) (*api.Client, error) {
	client, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := client.SetAddress(address); err != nil {
		return nil, err
	}
	client.SetClientTimeout(config.VaultApiTimeout)
	return client, nil
}
