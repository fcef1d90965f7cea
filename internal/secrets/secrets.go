// Package secrets resolves named secrets from Azure Key Vault or the
// environment and keeps track of retrieved values so they can be redacted
// from user-visible messages.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/rotisserie/eris"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

// Provider returns secret values by name.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// KeyVaultAPI is the subset of the azsecrets client used here.
type KeyVaultAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// KeyVault reads the latest version of each secret from an Azure Key Vault.
type KeyVault struct {
	client KeyVaultAPI
}

// NewKeyVault connects to vaultURL with the default Azure credential chain.
func NewKeyVault(vaultURL string, cred azcore.TokenCredential) (*KeyVault, error) {
	if cred == nil {
		var err error
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, eris.Wrap(err, "secrets: default azure credential")
		}
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "secrets: key vault client for %s", vaultURL)
	}
	return &KeyVault{client: client}, nil
}

// NewKeyVaultWithClient wraps an existing client (used in tests).
func NewKeyVaultWithClient(client KeyVaultAPI) *KeyVault {
	return &KeyVault{client: client}
}

// Get returns the current value of the named secret.
func (k *KeyVault) Get(ctx context.Context, name string) (string, error) {
	resp, err := k.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) {
			switch respErr.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return "", fmt.Errorf("secrets: get %s: %w: status %d", name, model.ErrUnauthorized, respErr.StatusCode)
			case http.StatusNotFound:
				return "", fmt.Errorf("secrets: get %s: %w: %w", name, model.ErrUnauthorized, model.ErrNotFound)
			}
		}
		var authErr *azidentity.AuthenticationFailedError
		if errors.As(err, &authErr) {
			return "", fmt.Errorf("secrets: get %s: %w", name, model.ErrUnauthorized)
		}
		return "", eris.Wrapf(err, "secrets: get %s", name)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("secrets: get %s: %w: empty value", name, model.ErrUnauthorized)
	}
	return *resp.Value, nil
}

// EnvPrefix is prepended to secret names looked up in the environment.
const EnvPrefix = "SALESETL_SECRET_"

// Env reads secrets from environment variables named EnvPrefix + NAME, with
// the secret name upper-cased and dashes turned into underscores.
type Env struct {
	lookup func(string) (string, bool)
}

// NewEnv creates an environment-backed provider.
func NewEnv() *Env {
	return &Env{lookup: os.LookupEnv}
}

// EnvKey returns the variable name for a secret.
func EnvKey(name string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// Get returns the named secret or an unauthorized error when unset.
func (e *Env) Get(_ context.Context, name string) (string, error) {
	v, ok := e.lookup(EnvKey(name))
	if !ok || v == "" {
		return "", fmt.Errorf("secrets: %s is not set: %w: %w", EnvKey(name), model.ErrUnauthorized, model.ErrNotFound)
	}
	return v, nil
}

// Redactor remembers every value it has handed out and scrubs them from text.
type Redactor struct {
	provider Provider

	mu     sync.RWMutex
	values map[string]struct{}
}

// NewRedactor wraps provider.
func NewRedactor(provider Provider) *Redactor {
	return &Redactor{provider: provider, values: make(map[string]struct{})}
}

// Get fetches a secret and records its value for redaction.
func (r *Redactor) Get(ctx context.Context, name string) (string, error) {
	v, err := r.provider.Get(ctx, name)
	if err != nil {
		return "", err
	}
	r.Track(v)
	return v, nil
}

// Track records a value that must never appear in output.
func (r *Redactor) Track(v string) {
	if len(v) < 4 {
		return
	}
	r.mu.Lock()
	r.values[v] = struct{}{}
	r.mu.Unlock()
}

// Redact replaces every tracked value in s with [REDACTED]. Longer values
// are replaced first so a secret containing another is scrubbed whole.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	vals := make([]string, 0, len(r.values))
	for v := range r.values {
		vals = append(vals, v)
	}
	r.mu.RUnlock()

	sort.Slice(vals, func(i, j int) bool { return len(vals[i]) > len(vals[j]) })
	for _, v := range vals {
		s = strings.ReplaceAll(s, v, "[REDACTED]")
	}
	return s
}
