package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

// AzureBlob stores objects as block blobs in one container. The connection
// string uses the standard AccountName/AccountKey/BlobEndpoint form, so
// local Azurite instances over http work too.
type AzureBlob struct {
	runtime.Base     `yaml:",inline"`
	ConnectionString string `yaml:"connectionString"`
	Container        string `yaml:"container"`
	ContentType      string `yaml:"contentType"`

	client     *azblob.Client
	serviceURL string

	mu            sync.Mutex
	containerInit bool
}

// Initialize builds the blob client. No request is made until the first
// operation.
func (a *AzureBlob) Initialize(ctx *runtime.Context) error {
	connection, err := ctx.InterpolateString(a.URN(), a.ConnectionString, nil)
	if err != nil {
		return err
	}
	if connection == "" {
		return cerrors.Configurationf(a.URN(), "connection string is required")
	}
	if a.Container == "" {
		return cerrors.Configurationf(a.URN(), "container name is required")
	}

	params := parseConnectionString(connection)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return cerrors.Configurationf(a.URN(), "account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return cerrors.NewConfigurationError(a.URN(), "failed to create shared key credential", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return cerrors.NewConfigurationError(a.URN(), "failed to create blob client", err)
	}
	a.client = client
	a.serviceURL = strings.TrimRight(serviceURL, "/")
	ctx.Logger().Debug("azure blob storage ready",
		zap.String("urn", a.URN()),
		zap.String("service_url", a.serviceURL),
		zap.String("container", a.Container))
	return nil
}

// Finalize drops the client.
func (a *AzureBlob) Finalize(*runtime.Context) error {
	a.client = nil
	return nil
}

// Describe returns the container and endpoint. The connection string is
// never exposed.
func (a *AzureBlob) Describe() []runtime.Property {
	return []runtime.Property{
		{Name: "container", Value: a.Container},
		{Name: "serviceUrl", Value: a.serviceURL},
	}
}

// Open streams a blob.
func (a *AzureBlob) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := a.client.DownloadStream(ctx, a.Container, blobName(name), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob %s: %w", name, err)
	}
	return resp.Body, nil
}

// Create returns a writer that uploads the blob on Close. Without
// Overwrite the upload only succeeds when no blob exists under name.
func (a *AzureBlob) Create(ctx context.Context, name string, opts CreateOptions) (io.WriteCloser, error) {
	if opts.Append {
		return nil, fmt.Errorf("append is not supported by azure blob storage")
	}
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	upload := &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	}
	if !opts.Overwrite {
		upload.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		}
	}

	return &uploadWriter{upload: func(data []byte) error {
		if err := a.ensureContainer(ctx); err != nil {
			return err
		}
		if _, err := a.client.UploadBuffer(ctx, a.Container, blobName(name), data, upload); err != nil {
			return fmt.Errorf("blob upload failed: %w", err)
		}
		return nil
	}}, nil
}

// List returns the blob names matching pattern.
func (a *AzureBlob) List(ctx context.Context, pattern string) ([]string, error) {
	pattern = blobName(pattern)
	pager := a.client.NewListBlobsFlatPager(a.Container, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(globPrefix(pattern)),
	})

	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	matched, err := matchAll(pattern, names)
	if err != nil {
		return nil, err
	}
	slices.Sort(matched)
	return matched, nil
}

func (a *AzureBlob) ensureContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.containerInit {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.Container, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists" {
			a.containerInit = true
			return nil
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	a.containerInit = true
	return nil
}

// blobName strips leading slashes and cleans the path.
func blobName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" {
			continue
		}
		params[key] = value
	}
	return params
}
