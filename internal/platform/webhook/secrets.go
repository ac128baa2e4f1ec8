package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// Secret is the signing material for one webhook config.
type Secret struct {
	Key       string `json:"key"`
	Algorithm string `json:"algorithm"`
}

// SecretFetcher resolves a secret reference to signing material.
type SecretFetcher interface {
	Fetch(ctx context.Context, secretID string) (Secret, error)
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
}

// SecretStore reads webhook signing secrets from AWS Secrets Manager. Values
// are fetched on every call.
type SecretStore struct {
	client SecretsManagerAPI
}

// NewSecretStore creates a SecretStore backed by the given client.
func NewSecretStore(client SecretsManagerAPI) *SecretStore {
	return &SecretStore{client: client}
}

// Fetch returns the secret stored under secretID. A missing, empty or
// unparsable value yields an error wrapping ErrSecretNotFound; transport and
// permission failures are returned wrapped as they are.
func (s *SecretStore) Fetch(ctx context.Context, secretID string) (Secret, error) {
	if secretID == "" {
		return Secret{}, fmt.Errorf("%w: empty secret id", ErrSecretNotFound)
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return Secret{}, fmt.Errorf("%w: %s", ErrSecretNotFound, secretID)
		}
		return Secret{}, fmt.Errorf("get secret %s: %w", secretID, err)
	}
	raw := aws.ToString(out.SecretString)
	if raw == "" {
		return Secret{}, fmt.Errorf("%w: %s has no value", ErrSecretNotFound, secretID)
	}

	return parseSecret(secretID, raw)
}

func parseSecret(secretID, raw string) (Secret, error) {
	var sec Secret
	if err := json.Unmarshal([]byte(raw), &sec); err != nil {
		return Secret{}, fmt.Errorf("%w: %s is not valid JSON: %v", ErrSecretNotFound, secretID, err)
	}
	if sec.Key == "" {
		return Secret{}, fmt.Errorf("%w: %s has no key", ErrSecretNotFound, secretID)
	}
	sec.Algorithm = strings.ToLower(strings.TrimSpace(sec.Algorithm))
	if sec.Algorithm == "" {
		sec.Algorithm = DefaultAlgorithm
	}
	if !SupportedAlgorithm(sec.Algorithm) {
		return Secret{}, fmt.Errorf("%w: %s uses unsupported algorithm %q", ErrSecretNotFound, secretID, sec.Algorithm)
	}
	return sec, nil
}

// SecretCreator provisions signing secrets for new webhook configs.
type SecretCreator interface {
	Create(ctx context.Context, name string) (string, error)
}

// Create generates a random sha256 signing key, stores it under name and
// returns the secret ARN.
func (s *SecretStore) Create(ctx context.Context, name string) (string, error) {
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(Secret{Key: key, Algorithm: DefaultAlgorithm})
	if err != nil {
		return "", fmt.Errorf("marshal secret: %w", err)
	}
	out, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(string(body)),
		Description:  aws.String("Webhook signing secret"),
	})
	if err != nil {
		return "", fmt.Errorf("create secret %s: %w", name, err)
	}
	return aws.ToString(out.ARN), nil
}

// generateKey returns 32 random bytes hex-encoded.
func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate signing key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
