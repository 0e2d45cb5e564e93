package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/tracing"
)

// FileStorage keeps assets in a local directory and serves them under a
// public base URL.
type FileStorage struct {
	basePath  string
	publicURL string
}

func NewFileStorage(basePath, publicURL string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	return &FileStorage{
		basePath:  basePath,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

var _ ports.AssetStorage = (*FileStorage)(nil)

// Save writes the asset once. Saving an existing name fails with
// domain.ErrAssetExists.
func (fs *FileStorage) Save(ctx context.Context, name string, data io.Reader) error {
	ctx, span := tracing.TraceStorageOperation(ctx, "save", "file", name)
	defer span.End()

	path, err := fs.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create asset directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", name, domain.ErrAssetExists)
		}
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to create asset file: %w", err)
	}

	if _, err := io.Copy(file, data); err != nil {
		file.Close()
		os.Remove(path)
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to write asset data: %w", err)
	}
	return file.Close()
}

func (fs *FileStorage) URL(_ context.Context, name string) (string, error) {
	if _, err := fs.path(name); err != nil {
		return "", err
	}
	if fs.publicURL == "" {
		return "file://" + filepath.ToSlash(filepath.Join(fs.basePath, name)), nil
	}
	return fs.publicURL + "/" + (&url.URL{Path: name}).EscapedPath(), nil
}

func (fs *FileStorage) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid asset name %q", name)
	}
	return filepath.Join(fs.basePath, clean), nil
}
