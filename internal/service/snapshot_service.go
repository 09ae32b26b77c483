package service

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"quillsync-be/internal/crdt"
	"quillsync-be/internal/dto"
	"quillsync-be/internal/pkg/logger"
	"quillsync-be/internal/store"
	docsync "quillsync-be/internal/sync"
)

type ISnapshotService interface {
	Create(ctx context.Context, tenant store.TenantKey, documentID string, req *dto.CreateSnapshotRequest) (*dto.SnapshotResponse, error)
	List(ctx context.Context, tenant store.TenantKey, documentID string) ([]dto.SnapshotResponse, error)
	Get(ctx context.Context, tenant store.TenantKey, id string) (*dto.SnapshotResponse, error)
	Restore(ctx context.Context, tenant store.TenantKey, id string) (*dto.SnapshotResponse, error)
}

type snapshotService struct {
	mux    *docsync.Multiplexer
	pool   *store.Pool
	logger logger.ILogger
}

func NewSnapshotService(mux *docsync.Multiplexer, pool *store.Pool, log logger.ILogger) ISnapshotService {
	return &snapshotService{mux: mux, pool: pool, logger: log}
}

// Create captures the document's live state as a named, immutable
// snapshot. The room is loaded transiently when no one is editing.
func (s *snapshotService) Create(_ context.Context, tenant store.TenantKey, documentID string, req *dto.CreateSnapshotRequest) (*dto.SnapshotResponse, error) {
	room, err := s.mux.GetRoom(tenant, documentID)
	if err != nil {
		return nil, err
	}
	defer s.mux.ParkIfIdle(room)

	text := room.Text()
	snap := store.Snapshot{
		ID:          uuid.NewString(),
		DocumentID:  documentID,
		Name:        req.Name,
		Description: req.Description,
		WordCount:   len(strings.Fields(text)),
		CreatedAt:   time.Now().UTC(),
		State:       room.EncodeState(),
	}
	if err := room.Handle().Log().PutSnapshot(snap); err != nil {
		return nil, err
	}

	s.logger.Info("Snapshot", "Created snapshot", map[string]interface{}{
		"tenant": tenant.String(), "document": documentID, "snapshot_id": snap.ID,
	})
	resp := toSnapshotResponse(snap, "")
	return &resp, nil
}

func (s *snapshotService) List(_ context.Context, tenant store.TenantKey, documentID string) ([]dto.SnapshotResponse, error) {
	handle, err := s.pool.Acquire(tenant)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	snaps, err := handle.Log().ListSnapshots(documentID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.SnapshotResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, toSnapshotResponse(snap, ""))
	}
	return out, nil
}

// Get returns one snapshot with a read-only preview of its content.
func (s *snapshotService) Get(_ context.Context, tenant store.TenantKey, id string) (*dto.SnapshotResponse, error) {
	handle, err := s.pool.Acquire(tenant)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	snap, found, err := handle.Log().GetSnapshot(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fiber.NewError(fiber.StatusNotFound, "snapshot not found")
	}

	resp := toSnapshotResponse(snap, materialize(snap.State))
	return &resp, nil
}

// Restore replaces the live document content with the snapshot's. The
// resulting delta goes through the room's normal apply-and-broadcast
// path, so connected peers converge in real time and the restore is
// recorded as a regular update in the log.
func (s *snapshotService) Restore(_ context.Context, tenant store.TenantKey, id string) (*dto.SnapshotResponse, error) {
	handle, err := s.pool.Acquire(tenant)
	if err != nil {
		return nil, err
	}
	snap, found, err := handle.Log().GetSnapshot(id)
	handle.Release()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fiber.NewError(fiber.StatusNotFound, "snapshot not found")
	}

	room, err := s.mux.GetRoom(tenant, snap.DocumentID)
	if err != nil {
		return nil, err
	}
	defer s.mux.ParkIfIdle(room)

	peer := "restore-" + uuid.NewString()[:8]
	if err := room.ReplaceContent(peer, materialize(snap.State)); err != nil {
		return nil, err
	}

	s.logger.Info("Snapshot", "Restored snapshot", map[string]interface{}{
		"tenant": tenant.String(), "document": snap.DocumentID, "snapshot_id": snap.ID,
	})
	resp := toSnapshotResponse(snap, "")
	return &resp, nil
}

// materialize renders a stored snapshot state to plain text without
// touching any live room.
func materialize(state []byte) string {
	doc := crdt.New()
	if _, err := doc.ApplyUpdate(state); err != nil {
		return ""
	}
	return doc.Text()
}

func toSnapshotResponse(s store.Snapshot, preview string) dto.SnapshotResponse {
	return dto.SnapshotResponse{
		ID:          s.ID,
		DocumentID:  s.DocumentID,
		Name:        s.Name,
		Description: s.Description,
		WordCount:   s.WordCount,
		CreatedAt:   s.CreatedAt,
		Preview:     preview,
	}
}
