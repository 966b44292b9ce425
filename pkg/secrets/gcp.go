package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager uses application default credentials unless a
// credentials file is given.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: SecretVersionName(g.projectID, secretName),
	}

	result, err := g.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}

	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	if secretName == "" {
		return defaultValue
	}
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// SecretVersionName builds the resource name of the latest version of a secret.
func SecretVersionName(projectID, secretName string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secretName)
}

type SecretNames struct {
	ExchangeAPIKey     string `mapstructure:"exchange_api_key"`
	ExchangeAPISecret  string `mapstructure:"exchange_api_secret"`
	ExchangePassphrase string `mapstructure:"exchange_passphrase"`
	ExchangeAPIKeyName string `mapstructure:"exchange_api_key_name"`
	ExchangePrivateKey string `mapstructure:"exchange_private_key"`
	WebhookSecret      string `mapstructure:"webhook_secret"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		ExchangeAPIKey:     "perp-agent-exchange-api-key",
		ExchangeAPISecret:  "perp-agent-exchange-api-secret",
		ExchangePassphrase: "perp-agent-exchange-passphrase",
		ExchangeAPIKeyName: "perp-agent-exchange-api-key-name",
		ExchangePrivateKey: "perp-agent-exchange-private-key",
		WebhookSecret:      "perp-agent-webhook-secret",
	}
}
