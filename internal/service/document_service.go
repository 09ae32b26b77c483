package service

import (
	"context"
	"strings"

	"quillsync-be/internal/dto"
	"quillsync-be/internal/pkg/logger"
	"quillsync-be/internal/store"
	docsync "quillsync-be/internal/sync"
)

type IDocumentService interface {
	Stats(ctx context.Context, tenant store.TenantKey, documentID string) (*dto.DocumentStatsResponse, error)
	DeleteDocument(ctx context.Context, tenant store.TenantKey, documentID string) error
	DeleteTenant(ctx context.Context, tenant store.TenantKey) error
}

type documentService struct {
	mux    *docsync.Multiplexer
	pool   *store.Pool
	logger logger.ILogger
}

func NewDocumentService(mux *docsync.Multiplexer, pool *store.Pool, log logger.ILogger) IDocumentService {
	return &documentService{mux: mux, pool: pool, logger: log}
}

// Stats materializes the document (loading it transiently if cold) and
// reports its size and live connection count.
func (s *documentService) Stats(_ context.Context, tenant store.TenantKey, documentID string) (*dto.DocumentStatsResponse, error) {
	room, err := s.mux.GetRoom(tenant, documentID)
	if err != nil {
		return nil, err
	}
	defer s.mux.ParkIfIdle(room)

	text := room.Text()
	return &dto.DocumentStatsResponse{
		DocumentID:  documentID,
		Length:      len([]rune(text)),
		WordCount:   len(strings.Fields(text)),
		Connections: room.ConnCount(),
	}, nil
}

// DeleteDocument closes the document's room (disconnecting editors),
// then drops its update records and snapshots. The tenant file stays.
func (s *documentService) DeleteDocument(_ context.Context, tenant store.TenantKey, documentID string) error {
	s.mux.CloseRoom(tenant, documentID)

	handle, err := s.pool.Acquire(tenant)
	if err != nil {
		return err
	}
	defer handle.Release()

	if err := handle.Log().DeleteDocument(documentID); err != nil {
		return err
	}
	if err := handle.Log().DeleteSnapshotsFor(documentID); err != nil {
		return err
	}
	s.logger.Info("Document", "Deleted document", map[string]interface{}{
		"tenant": tenant.String(), "document": documentID,
	})
	return nil
}

// DeleteTenant cascades: every room of the tenant is torn down, then
// the persisted storage is removed.
func (s *documentService) DeleteTenant(_ context.Context, tenant store.TenantKey) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	if err := s.mux.DeleteTenant(tenant); err != nil {
		return err
	}
	s.logger.Info("Document", "Deleted tenant", map[string]interface{}{"tenant": tenant.String()})
	return nil
}
