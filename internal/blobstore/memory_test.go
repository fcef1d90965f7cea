package blobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

var created = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func TestMemory_ListInInsertionOrder(t *testing.T) {
	c := NewMemoryAccount().Container("src")
	c.Put("b.csv", []byte("b"), created)
	c.Put("a.csv", []byte("a"), created.Add(time.Hour))

	files, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, model.SourceFile{Name: "b.csv", CreatedAt: created, Container: "src"}, files[0])
	assert.Equal(t, "a.csv", files[1].Name)
}

func TestMemory_DownloadAndDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryAccount().Container("src")
	c.Put("a.csv", []byte("payload"), created)

	data, err := c.Download(ctx, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	require.NoError(t, c.Delete(ctx, "a.csv", true))
	assert.Empty(t, c.Names())

	_, err = c.Download(ctx, "a.csv")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, c.Delete(ctx, "a.csv", true), model.ErrNotFound)
}

func TestMemory_CopyFromURL(t *testing.T) {
	ctx := context.Background()
	acct := NewMemoryAccount()
	src := acct.Container("src")
	dst := acct.Container("archive")
	src.Put("a.csv", []byte("a"), created)

	assert.Equal(t, "mem://src/a.csv", src.URL("a.csv"))
	require.NoError(t, dst.CopyFromURL(ctx, src.URL("a.csv"), "a.csv", model.TierCool))

	obj, ok := dst.Get("a.csv")
	require.True(t, ok)
	assert.Equal(t, []byte("a"), obj.Data)
	assert.Equal(t, model.TierCool, obj.Tier)

	// Source is untouched.
	_, ok = src.Get("a.csv")
	assert.True(t, ok)
}

func TestMemory_CopyFromURLErrors(t *testing.T) {
	ctx := context.Background()
	acct := NewMemoryAccount()
	dst := acct.Container("archive")

	assert.ErrorIs(t, dst.CopyFromURL(ctx, "mem://missing/a.csv", "a.csv", model.TierCool), model.ErrNotFound)
	acct.Container("src")
	assert.ErrorIs(t, dst.CopyFromURL(ctx, "mem://src/a.csv", "a.csv", model.TierCool), model.ErrNotFound)
	assert.Error(t, dst.CopyFromURL(ctx, "https://acct.blob.core.windows.net/src/a.csv", "a.csv", model.TierCool))
}

func TestMemory_UploadFinalize(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryAccount().Container("lake")

	require.NoError(t, c.Upload(ctx, "out/x.parquet", []byte("1234")))
	assert.NoError(t, c.Finalize(ctx, "out/x.parquet", 4))
	assert.Error(t, c.Finalize(ctx, "out/x.parquet", 5))
	assert.ErrorIs(t, c.Finalize(ctx, "out/y.parquet", 4), model.ErrNotFound)
}

func TestMemory_FailureHooks(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryAccount().Container("src")
	c.Put("a.csv", []byte("a"), created)
	boom := errors.New("boom")

	c.FailList = boom
	_, err := c.List(ctx)
	assert.ErrorIs(t, err, boom)

	c.FailDownload = map[string]error{"a.csv": boom}
	_, err = c.Download(ctx, "a.csv")
	assert.ErrorIs(t, err, boom)

	c.FailDelete = map[string]error{"a.csv": boom}
	assert.ErrorIs(t, c.Delete(ctx, "a.csv", false), boom)

	c.FailUpload = boom
	assert.ErrorIs(t, c.Upload(ctx, "b.csv", nil), boom)
}

func TestMemory_HonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewMemoryAccount().Container("src")

	_, err := c.List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServiceURL(t *testing.T) {
	assert.Equal(t, "https://salesacct.blob.core.windows.net/", ServiceURL("salesacct"))
}

func TestNewAzureAccount_Validation(t *testing.T) {
	_, err := NewAzureAccount(Credentials{AccountKey: "a2V5"})
	assert.Error(t, err)

	_, err = NewAzureAccount(Credentials{ConnectionString: "not a connection string"})
	assert.Error(t, err)
}

func TestNewAzureAccount_SharedKey(t *testing.T) {
	acct, err := NewAzureAccount(Credentials{AccountName: "salesacct", AccountKey: "c2VjcmV0LWtleQ=="})
	require.NoError(t, err)

	c := acct.Container("sales-landing")
	assert.Equal(t, "sales-landing", c.Name())
	assert.Equal(t, "https://salesacct.blob.core.windows.net/sales-landing/a.csv", c.URL("a.csv"))
}
