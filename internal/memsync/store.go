package memsync

import "context"

// Store is the adapter a memory subsystem registers per type. It is the
// only way the sync protocol touches stored content.
type Store interface {
	GetAll(ctx context.Context) ([]*MemoryRecord, error)
	GetByID(ctx context.Context, id string) (*MemoryRecord, bool, error)
	Save(ctx context.Context, record *MemoryRecord) error
	Delete(ctx context.Context, id string) error
}
