// Package vault publishes client profiles to a Vault KV v2 engine, from
// where users fetch them with their own Vault credentials
package vault

import (
	"context"
	"fmt"

	"github.com/3scale/ovpn-pki-manager/pkg/config"
	"github.com/go-logr/logr"
)

// Publisher writes and withdraws profiles under
// <KVPath>/data/users/<identity>/config.ovpn
type Publisher struct {
	Client AuthenticatedClient
	KVPath string
}

func (p *Publisher) dataPath(identity string) string {
	return fmt.Sprintf("%s/data/users/%s/config.ovpn", p.KVPath, identity)
}

func (p *Publisher) metadataPath(identity string) string {
	return fmt.Sprintf("%s/metadata/users/%s/config.ovpn", p.KVPath, identity)
}

// Publish creates or updates the profile of identity in the KV store
func (p *Publisher) Publish(ctx context.Context, identity string, profile []byte, logger logr.Logger) error {
	client, err := p.Client.GetClient(logger)
	if err != nil {
		logger.Error(err, "unable to get Vault client")
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, config.VaultApiTimeout)
	defer cancel()

	payload := map[string]any{
		"data": map[string]string{
			"content": string(profile),
		},
	}
	if _, err := client.Logical().WriteWithContext(ctx, p.dataPath(identity), payload); err != nil {
		logger.Error(err, fmt.Sprintf("unable to update %s in KV2 store", p.dataPath(identity)))
		return err
	}
	logger.Info("published profile to Vault", "identity", identity)
	return nil
}

// Withdraw deletes every version of the profile of identity
func (p *Publisher) Withdraw(ctx context.Context, identity string, logger logr.Logger) error {
	client, err := p.Client.GetClient(logger)
	if err != nil {
		logger.Error(err, "unable to get Vault client")
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, config.VaultApiTimeout)
	defer cancel()

	if _, err := client.Logical().DeleteWithContext(ctx, p.metadataPath(identity)); err != nil {
		logger.Error(err, fmt.Sprintf("unable to delete %s from KV2 store", p.metadataPath(identity)))
		return err
	}
	logger.Info("withdrew profile from Vault", "identity", identity)
	return nil
}
