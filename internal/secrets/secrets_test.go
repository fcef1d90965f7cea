package secrets

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

type fakeVault struct {
	values map[string]string
	err    error
	calls  []string
}

func (f *fakeVault) GetSecret(_ context.Context, name string, _ string, _ *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	f.calls = append(f.calls, name)
	if f.err != nil {
		return azsecrets.GetSecretResponse{}, f.err
	}
	v, ok := f.values[name]
	if !ok {
		return azsecrets.GetSecretResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "SecretNotFound"}
	}
	var resp azsecrets.GetSecretResponse
	resp.Value = to.Ptr(v)
	return resp, nil
}

func TestKeyVault_Get(t *testing.T) {
	vault := &fakeVault{values: map[string]string{"storage-connection-string": "DefaultEndpointsProtocol=https;AccountKey=abc"}}
	kv := NewKeyVaultWithClient(vault)

	v, err := kv.Get(context.Background(), "storage-connection-string")
	require.NoError(t, err)
	assert.Equal(t, "DefaultEndpointsProtocol=https;AccountKey=abc", v)
	assert.Equal(t, []string{"storage-connection-string"}, vault.calls)
}

func TestKeyVault_NotFoundIsUnauthorized(t *testing.T) {
	kv := NewKeyVaultWithClient(&fakeVault{})

	_, err := kv.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestKeyVault_Forbidden(t *testing.T) {
	kv := NewKeyVaultWithClient(&fakeVault{err: &azcore.ResponseError{StatusCode: http.StatusForbidden, ErrorCode: "Forbidden"}})

	_, err := kv.Get(context.Background(), "storage-key")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestKeyVault_TransportError(t *testing.T) {
	kv := NewKeyVaultWithClient(&fakeVault{err: errors.New("dial tcp: i/o timeout")})

	_, err := kv.Get(context.Background(), "storage-key")
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrUnauthorized)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "SALESETL_SECRET_STORAGE_CONNECTION_STRING", EnvKey("storage-connection-string"))
	assert.Equal(t, "SALESETL_SECRET_BING_KEY", EnvKey("bing_key"))
}

func TestEnv_Get(t *testing.T) {
	t.Setenv("SALESETL_SECRET_BING_SEARCH_KEY", "bing-123456")

	v, err := NewEnv().Get(context.Background(), "bing-search-key")
	require.NoError(t, err)
	assert.Equal(t, "bing-123456", v)

	_, err = NewEnv().Get(context.Background(), "not-set")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
	assert.Contains(t, err.Error(), "SALESETL_SECRET_NOT_SET")
}

func TestEnv_EmptyValueIsMissing(t *testing.T) {
	env := &Env{lookup: func(string) (string, bool) { return "", true }}

	_, err := env.Get(context.Background(), "anything")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRedactor(t *testing.T) {
	env := &Env{lookup: func(key string) (string, bool) {
		switch key {
		case "SALESETL_SECRET_CONN":
			return "AccountKey=supersecret", true
		case "SALESETL_SECRET_KEY":
			return "supersecret", true
		}
		return "", false
	}}
	r := NewRedactor(env)

	_, err := r.Get(context.Background(), "conn")
	require.NoError(t, err)
	_, err = r.Get(context.Background(), "key")
	require.NoError(t, err)

	msg := "auth failed for AccountKey=supersecret (key supersecret)"
	assert.Equal(t, "auth failed for [REDACTED] (key [REDACTED])", r.Redact(msg))
}

func TestRedactor_IgnoresShortValues(t *testing.T) {
	r := NewRedactor(NewEnv())
	r.Track("abc")
	r.Track("")
	assert.Equal(t, "abc is fine", r.Redact("abc is fine"))
}

func TestRedactor_PropagatesErrors(t *testing.T) {
	r := NewRedactor(&Env{lookup: func(string) (string, bool) { return "", false }})

	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}
