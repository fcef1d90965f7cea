package etl

import (
	"context"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

// SourceStore is the container holding incoming sales files.
type SourceStore interface {
	// List returns every object in the container in enumeration order.
	List(ctx context.Context) ([]model.SourceFile, error)
	// Download returns the full object payload.
	Download(ctx context.Context, name string) ([]byte, error)
	// Delete removes the object, including snapshots when includeSnapshots is set.
	Delete(ctx context.Context, name string, includeSnapshots bool) error
	// URL returns the object's address, usable as a server-side copy source.
	URL(name string) string
}

// ArchiveStore receives server-side copies of processed source files.
type ArchiveStore interface {
	// CopyFromURL copies sourceURL into targetName with the given tier and
	// returns only once the copy has completed.
	CopyFromURL(ctx context.Context, sourceURL, targetName string, tier model.Tier) error
}

// LakeStore is the data lake container that receives output artifacts.
type LakeStore interface {
	// Upload writes data to path in a single put, replacing any existing object.
	Upload(ctx context.Context, path string, data []byte) error
	// Finalize confirms the object at path is committed with the given size.
	Finalize(ctx context.Context, path string, size int64) error
	// Delete removes the object at path.
	Delete(ctx context.Context, path string, includeSnapshots bool) error
}
