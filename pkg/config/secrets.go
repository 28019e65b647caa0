package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/tidwall/gjson"
)

// SecretRef identifies a secret value from one of several sources.
// Exactly one of AwsSecretArn, InsecureValue, EnvVar or File must be set.
//
// A bare JSON string is accepted as shorthand for insecure_value, so
// `"url": "postgres://localhost/app"` works in development configs.
type SecretRef struct {
	// AwsSecretArn is the ARN of an AWS Secrets Manager secret.
	// Key must also be set to extract a field from the JSON secret; it is a
	// gjson path, so nested fields ("primary.password") work.
	AwsSecretArn string `json:"aws_secret_arn,omitempty"`
	Key          string `json:"key,omitempty"` // gjson path into the secret

	// InsecureValue is a plaintext secret value. Use only for development.
	InsecureValue string `json:"insecure_value,omitempty"`

	// EnvVar is the name of an environment variable containing the secret.
	EnvVar string `json:"env_var,omitempty"`

	// File is a path whose contents (trailing newline trimmed) are the secret.
	File string `json:"file,omitempty"`
}

type secretRefJSON SecretRef

// UnmarshalJSON accepts either an object or a bare string.
func (r *SecretRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = SecretRef{InsecureValue: s}
		return nil
	}
	var obj secretRefJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = SecretRef(obj)
	return nil
}

// Validate checks that exactly one secret source is configured.
func (r SecretRef) Validate() error {
	sources := 0
	for _, s := range []string{r.AwsSecretArn, r.InsecureValue, r.EnvVar, r.File} {
		if s != "" {
			sources++
		}
	}

	if sources == 0 {
		return errors.New("secret ref must have one of: aws_secret_arn, insecure_value, env_var, or file")
	}
	if sources > 1 {
		return errors.New("secret ref must have only one of: aws_secret_arn, insecure_value, env_var, or file")
	}

	if r.AwsSecretArn != "" && r.Key == "" {
		return errors.New("aws_secret_arn requires key to be set")
	}

	return nil
}

// String describes the source without revealing the value.
func (r SecretRef) String() string {
	switch {
	case r.AwsSecretArn != "":
		return fmt.Sprintf("aws:%s#%s", r.AwsSecretArn, r.Key)
	case r.EnvVar != "":
		return "env:" + r.EnvVar
	case r.File != "":
		return "file:" + r.File
	case r.InsecureValue != "":
		return "insecure_value"
	default:
		return "<empty>"
	}
}

// SecretsManagerClient is the interface for AWS Secrets Manager operations.
// This allows injecting a mock for testing.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretCache resolves SecretRefs, caching AWS Secrets Manager responses
// for the life of the process.
type SecretCache struct {
	mu     sync.RWMutex
	cache  map[string]string // arn -> SecretString
	client SecretsManagerClient
	loadFn func(ctx context.Context) (SecretsManagerClient, error)
}

// NewSecretCache creates a new SecretCache with the given Secrets Manager client.
func NewSecretCache(client SecretsManagerClient) *SecretCache {
	return &SecretCache{
		cache:  make(map[string]string),
		client: client,
	}
}

// NewSecretCacheFromEnv creates a SecretCache that loads AWS config from
// the environment the first time an aws_secret_arn is resolved. Configs
// that only use env_var, file or insecure_value never touch AWS.
func NewSecretCacheFromEnv() *SecretCache {
	sc := NewSecretCache(nil)
	sc.loadFn = func(ctx context.Context) (SecretsManagerClient, error) {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return secretsmanager.NewFromConfig(cfg), nil
	}
	return sc
}

// Get retrieves the value for the given SecretRef.
// Returns an error if the secret ref is invalid or the value cannot be retrieved.
func (sc *SecretCache) Get(ctx context.Context, ref SecretRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	switch {
	case ref.InsecureValue != "":
		return ref.InsecureValue, nil

	case ref.EnvVar != "":
		val, ok := os.LookupEnv(ref.EnvVar)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", ref.EnvVar)
		}
		return val, nil

	case ref.File != "":
		data, err := os.ReadFile(ref.File)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	if doc, ok := sc.getCached(ref.AwsSecretArn); ok {
		return extractStringKey(doc, ref.Key)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	// Double-check after acquiring write lock
	if doc, ok := sc.cache[ref.AwsSecretArn]; ok {
		return extractStringKey(doc, ref.Key)
	}

	doc, err := sc.fetchSecret(ctx, ref.AwsSecretArn)
	if err != nil {
		return "", err
	}

	sc.cache[ref.AwsSecretArn] = doc
	return extractStringKey(doc, ref.Key)
}

func (sc *SecretCache) getCached(arn string) (string, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	doc, ok := sc.cache[arn]
	return doc, ok
}

// fetchSecret must be called with sc.mu held.
func (sc *SecretCache) fetchSecret(ctx context.Context, arn string) (string, error) {
	if sc.client == nil {
		if sc.loadFn == nil {
			return "", fmt.Errorf("secret %s: no AWS Secrets Manager client configured", arn)
		}
		client, err := sc.loadFn(ctx)
		if err != nil {
			return "", err
		}
		sc.client = client
	}

	output, err := sc.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", arn, err)
	}

	if output.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", arn)
	}
	if !gjson.Valid(*output.SecretString) {
		return "", fmt.Errorf("secret %s is not valid JSON", arn)
	}

	return *output.SecretString, nil
}

func extractStringKey(doc, key string) (string, error) {
	val := gjson.Get(doc, key)
	if !val.Exists() {
		return "", fmt.Errorf("key %q not found in secret", key)
	}
	if val.Type != gjson.String {
		return "", fmt.Errorf("value at key %q is not a string (got %s)", key, val.Type)
	}
	return val.String(), nil
}
