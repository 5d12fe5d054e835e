// Package storage composes blob stores for downloaded artifacts.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
)

// Mirror writes every object to a primary store and then copies it to each
// replica. Only the primary decides the outcome; replica failures are logged.
type Mirror struct {
	primary  harvest.BlobStore
	replicas []harvest.BlobStore
	logger   *zap.Logger
}

// NewMirror builds a Mirror. With no replicas it behaves like primary.
func NewMirror(primary harvest.BlobStore, logger *zap.Logger, replicas ...harvest.BlobStore) (*Mirror, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{primary: primary, replicas: replicas, logger: logger.Named("mirror")}, nil
}

// PutObject writes data to the primary store and returns its location.
func (m *Mirror) PutObject(ctx context.Context, name string, contentType string, data io.Reader) (string, error) {
	payload, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	location, err := m.primary.PutObject(ctx, name, contentType, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	for _, replica := range m.replicas {
		uri, err := replica.PutObject(ctx, name, contentType, bytes.NewReader(payload))
		if err != nil {
			m.logger.Warn("mirror upload failed", zap.String("name", name), zap.Error(err))
			continue
		}
		m.logger.Debug("mirrored object", zap.String("name", name), zap.String("uri", uri))
	}
	return location, nil
}
