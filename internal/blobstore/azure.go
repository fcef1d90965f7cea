// Package blobstore provides the storage containers used by the ETL run:
// Azure Blob Storage in production and an in-memory account for tests.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

// Credentials selects how the storage account is authenticated. The first
// non-empty option wins: connection string, then account key, then the
// default Azure credential chain (managed identity, CLI, environment).
type Credentials struct {
	AccountName      string
	ConnectionString string
	AccountKey       string
	TokenCredential  azcore.TokenCredential
}

// copyPollInterval is how often a pending server-side copy is re-checked.
var copyPollInterval = 2 * time.Second

// Account is an authenticated Azure storage account.
type Account struct {
	client *azblob.Client
	name   string
}

// ServiceURL returns the blob endpoint for an account name.
func ServiceURL(accountName string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
}

// NewAzureAccount builds a blob client from the given credentials.
func NewAzureAccount(creds Credentials) (*Account, error) {
	var (
		client *azblob.Client
		err    error
	)

	switch {
	case creds.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(creds.ConnectionString, nil)
		if err != nil {
			return nil, eris.Wrap(err, "blobstore: client from connection string")
		}
	case creds.AccountKey != "":
		if creds.AccountName == "" {
			return nil, eris.New("blobstore: account name is required with an account key")
		}
		cred, credErr := azblob.NewSharedKeyCredential(creds.AccountName, creds.AccountKey)
		if credErr != nil {
			return nil, eris.Wrap(credErr, "blobstore: shared key credential")
		}
		client, err = azblob.NewClientWithSharedKeyCredential(ServiceURL(creds.AccountName), cred, nil)
		if err != nil {
			return nil, eris.Wrap(err, "blobstore: client with shared key")
		}
	default:
		if creds.AccountName == "" {
			return nil, eris.New("blobstore: account name is required")
		}
		tokenCred := creds.TokenCredential
		if tokenCred == nil {
			tokenCred, err = azidentity.NewDefaultAzureCredential(nil)
			if err != nil {
				return nil, eris.Wrap(err, "blobstore: default azure credential")
			}
		}
		client, err = azblob.NewClient(ServiceURL(creds.AccountName), tokenCred, nil)
		if err != nil {
			return nil, eris.Wrap(err, "blobstore: client with token credential")
		}
	}

	return &Account{client: client, name: creds.AccountName}, nil
}

// Container returns a handle on the named container.
func (a *Account) Container(name string) *AzureContainer {
	return &AzureContainer{
		name:   name,
		client: a.client.ServiceClient().NewContainerClient(name),
	}
}

// AzureContainer implements the ETL storage interfaces over one container.
type AzureContainer struct {
	name   string
	client *container.Client
}

// Name returns the container name.
func (c *AzureContainer) Name() string {
	return c.name
}

// List returns every blob with its creation time, in service order.
func (c *AzureContainer) List(ctx context.Context) ([]model.SourceFile, error) {
	pager := c.client.NewListBlobsFlatPager(nil)

	var files []model.SourceFile
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "list "+c.name)
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			f := model.SourceFile{Name: *item.Name, Container: c.name}
			if item.Properties != nil && item.Properties.CreationTime != nil {
				f.CreatedAt = item.Properties.CreationTime.UTC()
			}
			files = append(files, f)
		}
	}
	return files, nil
}

// Download reads the full blob.
func (c *AzureContainer) Download(ctx context.Context, name string) ([]byte, error) {
	resp, err := c.client.NewBlobClient(name).DownloadStream(ctx, nil)
	if err != nil {
		return nil, classify(err, "download "+c.name+"/"+name)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "blobstore: read %s/%s", c.name, name)
	}
	return data, nil
}

// Delete removes the blob, and its snapshots when includeSnapshots is set.
func (c *AzureContainer) Delete(ctx context.Context, name string, includeSnapshots bool) error {
	var opts *blob.DeleteOptions
	if includeSnapshots {
		opts = &blob.DeleteOptions{DeleteSnapshots: to.Ptr(blob.DeleteSnapshotsOptionTypeInclude)}
	}
	if _, err := c.client.NewBlobClient(name).Delete(ctx, opts); err != nil {
		return classify(err, "delete "+c.name+"/"+name)
	}
	return nil
}

// URL returns the blob's address for use as a copy source.
func (c *AzureContainer) URL(name string) string {
	return c.client.NewBlobClient(name).URL()
}

// CopyFromURL starts a server-side copy into targetName with the given tier
// and waits until the service reports it complete.
func (c *AzureContainer) CopyFromURL(ctx context.Context, sourceURL, targetName string, tier model.Tier) error {
	dst := c.client.NewBlobClient(targetName)

	opts := &blob.StartCopyFromURLOptions{}
	if tier != "" {
		opts.Tier = to.Ptr(blob.AccessTier(tier))
	}
	resp, err := dst.StartCopyFromURL(ctx, sourceURL, opts)
	if err != nil {
		return classify(err, "copy to "+c.name+"/"+targetName)
	}

	status := resp.CopyStatus
	for status != nil && *status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return eris.Wrapf(ctx.Err(), "blobstore: copy to %s/%s still pending", c.name, targetName)
		case <-time.After(copyPollInterval):
		}
		props, err := dst.GetProperties(ctx, nil)
		if err != nil {
			return classify(err, "copy status "+c.name+"/"+targetName)
		}
		status = props.CopyStatus
		if status != nil && *status != blob.CopyStatusTypePending && *status != blob.CopyStatusTypeSuccess {
			desc := ""
			if props.CopyStatusDescription != nil {
				desc = *props.CopyStatusDescription
			}
			return eris.Errorf("blobstore: copy to %s/%s ended with status %s: %s", c.name, targetName, *status, desc)
		}
	}
	if status != nil && *status != blob.CopyStatusTypeSuccess && *status != blob.CopyStatusTypePending {
		return eris.Errorf("blobstore: copy to %s/%s ended with status %s", c.name, targetName, *status)
	}

	zap.L().Debug("blob copied",
		zap.String("source", sourceURL),
		zap.String("target", c.name+"/"+targetName),
		zap.String("tier", string(tier)),
	)
	return nil
}

// Upload writes data as a block blob in one commit.
func (c *AzureContainer) Upload(ctx context.Context, path string, data []byte) error {
	contentType := "application/octet-stream"
	_, err := c.client.NewBlockBlobClient(path).UploadBuffer(ctx, data, &blockblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return classify(err, "upload "+c.name+"/"+path)
	}
	return nil
}

// Finalize checks the committed blob is readable and has the expected size.
func (c *AzureContainer) Finalize(ctx context.Context, path string, size int64) error {
	props, err := c.client.NewBlobClient(path).GetProperties(ctx, nil)
	if err != nil {
		return classify(err, "finalize "+c.name+"/"+path)
	}
	if props.ContentLength == nil || *props.ContentLength != size {
		var got int64 = -1
		if props.ContentLength != nil {
			got = *props.ContentLength
		}
		return eris.Errorf("blobstore: %s/%s committed %d bytes, expected %d", c.name, path, got, size)
	}
	return nil
}

// classify tags authorization and not-found failures with the shared model
// errors so callers can tell them apart.
func classify(err error, op string) error {
	switch {
	case bloberror.HasCode(err,
		bloberror.AuthenticationFailed,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.InsufficientAccountPermissions):
		return fmt.Errorf("blobstore: %s: %w: %w", op, model.ErrUnauthorized, err)
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		return fmt.Errorf("blobstore: %s: %w: %w", op, model.ErrNotFound, err)
	}
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return fmt.Errorf("blobstore: %s: %w: %w", op, model.ErrUnauthorized, err)
	}
	return eris.Wrapf(err, "blobstore: %s", op)
}
