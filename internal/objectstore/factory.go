package objectstore

import (
	"context"
	"fmt"

	"github.com/replited/replited/internal/config"
)

// New builds the ObjectStore named by cfg.Type, mapping the flat TOML
// Storage struct onto each backend's own config type.
func New(ctx context.Context, cfg config.Storage) (ObjectStore, error) {
	switch cfg.Type {
	case "fs":
		return NewFsStore(cfg.Root)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Endpoint:        cfg.Endpoint,
			Region:          cfg.Region,
			Bucket:          cfg.Bucket,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Root:            cfg.Root,
			AllowInsecure:   cfg.AllowInsecure,
		})
	case "gcs":
		return NewGcsStore(ctx, GcsConfig{
			Endpoint:      cfg.Endpoint,
			Bucket:        cfg.Bucket,
			Root:          cfg.Root,
			Credential:    cfg.Credential,
			AllowInsecure: cfg.AllowInsecure,
		})
	case "azblob":
		return NewAzbStore(AzbConfig{
			Endpoint:      cfg.Endpoint,
			Container:     cfg.Container,
			AccountName:   cfg.AccountName,
			AccountKey:    cfg.AccountKey,
			Root:          cfg.Root,
			AllowInsecure: cfg.AllowInsecure,
		})
	case "ftp":
		return NewFtpStore(FtpConfig{
			Endpoint:      cfg.Endpoint,
			Root:          cfg.Root,
			Username:      cfg.Username,
			Password:      cfg.Password,
			AllowInsecure: cfg.AllowInsecure,
		})
	default:
		return nil, fmt.Errorf("objectstore: unknown storage type %q", cfg.Type)
	}
}
