package objectstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
)

// AzbConfig holds the fields the TOML config's Azb storage entry carries.
type AzbConfig struct {
	Endpoint      string
	Container     string
	AccountName   string
	AccountKey    string
	Root          string
	AllowInsecure bool
}

// AzbStore writes WAL segments and snapshots to an Azure Blob container,
// using the same client-wraps-container shape as S3Store/GcsStore.
type AzbStore struct {
	client *container.Client
	root   string
}

// NewAzbStore constructs an AzbStore from cfg.
func NewAzbStore(cfg AzbConfig) (*AzbStore, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azblob store: empty container name")
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azblob store: shared key credential: %w", err)
	}

	var clientOpts azcore.ClientOptions
	if cfg.AllowInsecure {
		clientOpts.Transport = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		}
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	svc, err := service.NewClientWithSharedKeyCredential(endpoint, cred, &service.ClientOptions{
		ClientOptions: clientOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("azblob store: new service client: %w", err)
	}

	return &AzbStore{client: svc.NewContainerClient(cfg.Container), root: cfg.Root}, nil
}

func (s *AzbStore) Name() string { return "azblob" }

func (s *AzbStore) key(k string) string {
	if s.root == "" {
		return k
	}
	return strings.TrimSuffix(s.root, "/") + "/" + k
}

func (s *AzbStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	p := s.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: stringPtr(s.key(prefix)),
	})

	var entries []Entry
	for p.More() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azblob store: list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key := strings.TrimPrefix(*item.Name, s.root+"/")
			var size int64
			var modTime time.Time
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					modTime = *item.Properties.LastModified
				}
			}
			entries = append(entries, Entry{Key: key, Size: size, LastModified: modTime})
		}
	}
	return entries, nil
}

func (s *AzbStore) Read(ctx context.Context, key string) ([]byte, error) {
	blob := s.client.NewBlobClient(s.key(key))
	resp, err := blob.DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("azblob store: download %q: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azblob store: read %q: %w", key, err)
	}
	return data, nil
}

func (s *AzbStore) Write(ctx context.Context, key string, data []byte) error {
	blob := s.client.NewBlockBlobClient(s.key(key))
	_, err := blob.UploadBuffer(ctx, data, nil)
	if err != nil {
		return fmt.Errorf("azblob store: upload %q: %w", key, err)
	}
	return nil
}

func stringPtr(s string) *string { return &s }
