// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/opentofu/statestore/internal/httpclient"
)

var (
	// errConditionNotMet reports a failed ETag precondition.
	errConditionNotMet = errors.New("blob condition not met")

	errBlobNotFound      = errors.New("blob not found")
	errContainerNotFound = errors.New("container not found")
)

// blobContainer is the subset of Blob Storage the store uses. A blob
// written with an empty ETag must not exist yet; one deleted with an empty
// ETag is deleted unconditionally.
type blobContainer interface {
	download(ctx context.Context, name string) ([]byte, azcore.ETag, error)
	properties(ctx context.Context, name string) (azcore.ETag, error)
	upload(ctx context.Context, name string, etag azcore.ETag, data []byte) (azcore.ETag, error)
	remove(ctx context.Context, name string, etag azcore.ETag) error
	list(ctx context.Context, prefix string) ([]string, error)
	create(ctx context.Context) error
}

// Config is the configuration of a Blob Storage store.
type Config struct {
	StorageAccountName string `hcl:"storage_account_name"`
	ContainerName      string `hcl:"container_name"`
	Prefix             string `hcl:"prefix,optional"`

	// Endpoint overrides the account's blob service URL, such as for the
	// Azurite emulator.
	Endpoint string `hcl:"endpoint,optional"`

	// AccessKey or SASToken select shared-key or SAS authentication. If
	// neither is set, the default Azure credential chain is used.
	AccessKey string `hcl:"access_key,optional"`
	SASToken  string `hcl:"sas_token,optional"`

	TimeoutSeconds int `hcl:"timeout_seconds,optional"`
	BatchSize      int `hcl:"batch_size,optional"`
}

const defaultTimeout = 300 * time.Second

// New returns a store for the configured container.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.StorageAccountName == "" || cfg.ContainerName == "" {
		return nil, errors.New("azure state store requires a storage account name and a container name")
	}
	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.StorageAccountName)
	}
	containerURL := strings.TrimSuffix(serviceURL, "/") + "/" + cfg.ContainerName

	clientOpts := azcore.ClientOptions{Transport: httpclient.New(ctx)}
	containerOpts := &container.ClientOptions{ClientOptions: clientOpts}

	var client *container.Client
	var err error
	switch {
	case cfg.AccessKey != "":
		log.Printf("[DEBUG] azure: using shared key authentication")
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.StorageAccountName, cfg.AccessKey)
		if err != nil {
			return nil, fmt.Errorf("invalid access key: %w", err)
		}
		client, err = container.NewClientWithSharedKeyCredential(containerURL, cred, containerOpts)
	case cfg.SASToken != "":
		log.Printf("[DEBUG] azure: using SAS token authentication")
		client, err = container.NewClientWithNoCredential(containerURL+"?"+strings.TrimPrefix(cfg.SASToken, "?"), containerOpts)
	default:
		log.Printf("[DEBUG] azure: using the default Azure credential chain")
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
			ClientOptions: clientOpts,
		})
		if err != nil {
			return nil, fmt.Errorf("obtaining Azure credentials: %w", err)
		}
		client, err = container.NewClient(containerURL, cred, containerOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("creating blob container client: %w", err)
	}

	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return newStore(&azureContainer{client: client, timeout: timeout}, cfg.Prefix, cfg.BatchSize), nil
}

type azureContainer struct {
	client  *container.Client
	timeout time.Duration
}

// withTimeout bounds a single request.
func (c *azureContainer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *azureContainer) download(ctx context.Context, name string) ([]byte, azcore.ETag, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.client.NewBlobClient(name).DownloadStream(ctx, nil)
	if err != nil {
		return nil, "", translate(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("error reading azure blob: %w", err)
	}
	return data, etagOf(resp.ETag), nil
}

func (c *azureContainer) properties(ctx context.Context, name string) (azcore.ETag, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.client.NewBlobClient(name).GetProperties(ctx, nil)
	if err != nil {
		return "", translate(err)
	}
	return etagOf(resp.ETag), nil
}

func (c *azureContainer) upload(ctx context.Context, name string, etag azcore.ETag, data []byte) (azcore.ETag, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.client.NewBlockBlobClient(name).UploadBuffer(ctx, data, &blockblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/json"),
		},
		AccessConditions: accessConditions(etag, true),
	})
	if err != nil {
		return "", translate(err)
	}
	return etagOf(resp.ETag), nil
}

func (c *azureContainer) remove(ctx context.Context, name string, etag azcore.ETag) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.client.NewBlobClient(name).Delete(ctx, &blob.DeleteOptions{
		AccessConditions: accessConditions(etag, false),
	})
	return translate(err)
}

func (c *azureContainer) list(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := c.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: to.Ptr(prefix)})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, translate(err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

func (c *azureContainer) create(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.client.Create(ctx, nil)
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return err
}

// accessConditions guards a write on the blob's ETag. Without an ETag, an
// upload requires the blob not to exist and a delete is unconditional.
func accessConditions(etag azcore.ETag, upload bool) *blob.AccessConditions {
	switch {
	case etag != "":
		return &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(etag)},
		}
	case upload:
		return &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		}
	default:
		return nil
	}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists):
		return fmt.Errorf("%w: %w", errConditionNotMet, err)
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return fmt.Errorf("%w: %w", errBlobNotFound, err)
	case bloberror.HasCode(err, bloberror.ContainerNotFound):
		return fmt.Errorf("%w: %w", errContainerNotFound, err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 404 {
		return fmt.Errorf("%w: %w", errBlobNotFound, err)
	}
	return err
}

func etagOf(etag *azcore.ETag) azcore.ETag {
	if etag == nil {
		return ""
	}
	return *etag
}

// isUnavailable reports whether err is a transport failure or a response
// the service marks as transient.
func isUnavailable(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= http.StatusInternalServerError || respErr.StatusCode == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
