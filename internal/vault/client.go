// Package vault fetches broker credentials from HashiCorp Vault. When vault
// is disabled the configured environment credentials are used as-is.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"dhan-agent-bot/config"
)

// BrokerCredentials is the credential pair the Dhan client needs
type BrokerCredentials struct {
	ClientID    string `json:"client_id"`
	AccessToken string `json:"access_token"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
}

// NewClient creates a new Vault client. With cfg.Enabled false the client is
// a pass-through that never talks to Vault.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// FetchBrokerCredentials reads the broker credential pair from the KV v2
// secret path. With vault disabled it returns the fallback unchanged.
func (c *Client) FetchBrokerCredentials(ctx context.Context, fallback BrokerCredentials) (BrokerCredentials, error) {
	if !c.config.Enabled {
		return fallback, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return BrokerCredentials{}, fmt.Errorf("failed to read broker credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return BrokerCredentials{}, fmt.Errorf("no broker credentials at vault path %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return BrokerCredentials{}, fmt.Errorf("unexpected secret format at vault path %s", path)
	}

	creds := BrokerCredentials{
		ClientID:    stringField(data, "client_id"),
		AccessToken: stringField(data, "access_token"),
	}
	if creds.ClientID == "" || creds.AccessToken == "" {
		return BrokerCredentials{}, fmt.Errorf("vault secret at %s is missing client_id or access_token", path)
	}
	return creds, nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
