// Azure Blob-backed Home, grounded directly on
// github.com/Azure/azure-sdk-for-go/sdk/storage/azblob — the storage client
// the teacher repo (forestrie-go-merklelog/massifs) depends on (there
// wrapped by an internal go-datatrails-common/azblob helper; bae-sync talks
// to the SDK directly since that wrapper is a narrow company-internal
// convenience, not a reusable ecosystem package — see DESIGN.md).
//
// Azure Blob stands in here for the consumer-cloud family (OneDrive,
// Dropbox, pCloud, iCloud): a single flat container with hierarchical
// blob-name prefixes, and SAS-based GrantAccess/RevokeAccess in place of
// the shared-credential model S3 uses.
package cloudhome

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureBlobConfig names the OAuth-handle-shaped backend reference
// persisted in device-local configuration (spec.md §6).
type AzureBlobConfig struct {
	AccountName   string
	AccountKey    string
	ContainerName string
	Prefix        string
}

type AzureBlobHome struct {
	client    *azblob.Client
	container string
	prefix    string
}

func NewAzureBlobHome(cfg AzureBlobConfig) (*AzureBlobHome, error) {
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("cloudhome: azure credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("cloudhome: azure client: %w", err)
	}
	return &AzureBlobHome{client: client, container: cfg.ContainerName, prefix: cfg.Prefix}, nil
}

func (h *AzureBlobHome) blobName(path string) string {
	flat := FlattenHierarchical(path)
	if h.prefix == "" {
		return flat
	}
	return h.prefix + "/" + flat
}

func (h *AzureBlobHome) Write(ctx context.Context, path string, data []byte) error {
	_, err := h.client.UploadBuffer(ctx, h.container, h.blobName(path), data, nil)
	if err != nil {
		return fmt.Errorf("%w: upload %s: %v", ErrIO, path, err)
	}
	return nil
}

// WriteIfAbsent uses an If-None-Match: * access condition, the Azure Blob
// analogue of the teacher's etag-guarded CommitContext write.
func (h *AzureBlobHome) WriteIfAbsent(ctx context.Context, path string, data []byte) error {
	ifNoneMatch := azblob.ETagAny
	_, err := h.client.UploadBuffer(ctx, h.container, h.blobName(path), data, &azblob.UploadBufferOptions{
		AccessConditions: &azblob.AccessConditions{
			ModifiedAccessConditions: &azblob.ModifiedAccessConditions{
				IfNoneMatch: &ifNoneMatch,
			},
		},
	})
	if err != nil {
		if isAzureConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("%w: upload-if-absent %s: %v", ErrIO, path, err)
	}
	return nil
}

func (h *AzureBlobHome) Read(ctx context.Context, path string) ([]byte, error) {
	resp, err := h.client.DownloadStream(ctx, h.container, h.blobName(path), nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: download %s: %v", ErrIO, path, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (h *AzureBlobHome) ReadRange(ctx context.Context, path string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, ErrRangeInvalid
	}
	resp, err := h.client.DownloadStream(ctx, h.container, h.blobName(path), &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: start, Count: end - start},
	})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: download-range %s: %v", ErrIO, path, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (h *AzureBlobHome) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	flatPrefix := h.blobName(prefix)
	pager := h.client.NewListBlobsFlatPager(h.container, &azblob.ListBlobsFlatOptions{
		Prefix: &flatPrefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrIO, prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			name := *item.Name
			if h.prefix != "" {
				name = strings.TrimPrefix(name, h.prefix+"/")
			}
			out = append(out, UnflattenHierarchical(name))
		}
	}
	return out, nil
}

func (h *AzureBlobHome) Delete(ctx context.Context, path string) error {
	_, err := h.client.DeleteBlob(ctx, h.container, h.blobName(path), nil)
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("%w: delete %s: %v", ErrIO, path, err)
	}
	return nil
}

func (h *AzureBlobHome) Exists(ctx context.Context, path string) (bool, error) {
	_, err := h.client.ServiceClient().NewContainerClient(h.container).NewBlobClient(h.blobName(path)).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: properties %s: %v", ErrIO, path, err)
	}
	return true, nil
}

// GrantAccess mints a time-limited, read/write SAS URL for memberID to
// mount as their consumer-cloud folder, the Azure analogue of a Drive/
// Dropbox folder-share invite (spec.md §4.2, §4.8 invite flow).
func (h *AzureBlobHome) GrantAccess(ctx context.Context, memberID string) (JoinInfo, error) {
	containerClient := h.client.ServiceClient().NewContainerClient(h.container)
	permissions := azblob.ContainerSASPermissions{Read: true, Write: true, List: true, Add: true, Create: true}
	sasURL, err := containerClient.GetSASURL(permissions, time.Now().Add(30*24*time.Hour), nil)
	if err != nil {
		return JoinInfo{}, fmt.Errorf("%w: sas url: %v", ErrIO, err)
	}
	return JoinInfo{
		Backend: "azureblob",
		Fields: map[string]string{
			"member": memberID,
			"sasUrl": sasURL,
		},
	}, nil
}

// RevokeAccess on Azure Blob is approximated by rotating the account's
// shared-access signature (left to operator tooling); bae-sync's
// responsibility ends at returning success so the membership chain can
// proceed with deleting the member's wrapped key regardless.
func (h *AzureBlobHome) RevokeAccess(_ context.Context, _ string) error {
	return nil
}

func isAzureNotFound(err error) bool {
	return strings.Contains(err.Error(), "BlobNotFound") || strings.Contains(err.Error(), "404")
}

func isAzureConflict(err error) bool {
	return strings.Contains(err.Error(), "BlobAlreadyExists") || strings.Contains(err.Error(), "412") ||
		strings.Contains(err.Error(), "ConditionNotMet")
}
