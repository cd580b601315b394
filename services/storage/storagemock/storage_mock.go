package storagemock

import (
	"context"
	"sync"
	"time"

	"ig-notification/api/services/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// StorageMock is an in-memory Storage. Each method can be overridden with a
// func field; otherwise it behaves like the real store, including the
// one-way pending guard.
type StorageMock struct {
	CreateLogMock   func(ctx context.Context, log *storage.SendLog) (*storage.SendLog, error)
	FinalizeLogMock func(ctx context.Context, id uuid.UUID, f storage.Finalization) error
	GetLogMock      func(ctx context.Context, id uuid.UUID) (*storage.SendLog, error)
	ListLogsMock    func(ctx context.Context, offset, limit int) ([]storage.SendLog, int64, error)

	mu    sync.Mutex
	logs  map[uuid.UUID]*storage.SendLog
	order []uuid.UUID
}

func (m *StorageMock) CreateLog(ctx context.Context, log *storage.SendLog) (*storage.SendLog, error) {
	if m.CreateLogMock != nil {
		return m.CreateLogMock(ctx, log)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logs == nil {
		m.logs = map[uuid.UUID]*storage.SendLog{}
	}

	created := *log
	created.ID = uuid.New()
	created.Status = storage.StatusPending
	created.CreatedAt = time.Now().UTC()
	m.logs[created.ID] = &created
	m.order = append(m.order, created.ID)

	out := created
	return &out, nil
}

func (m *StorageMock) FinalizeLog(ctx context.Context, id uuid.UUID, f storage.Finalization) error {
	if m.FinalizeLogMock != nil {
		return m.FinalizeLogMock(ctx, id, f)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[id]
	if !ok || l.Status != storage.StatusPending {
		return storage.ErrLogNotPending
	}
	if f.Success {
		l.Status = storage.StatusSuccess
		ts := f.SentAt
		l.SentAt = &ts
		return nil
	}
	l.Status = storage.StatusFailed
	detail := f.ErrorDetail
	l.ErrorMessage = &detail
	return nil
}

func (m *StorageMock) GetLog(ctx context.Context, id uuid.UUID) (*storage.SendLog, error) {
	if m.GetLogMock != nil {
		return m.GetLogMock(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := *l
	return &out, nil
}

func (m *StorageMock) ListLogs(ctx context.Context, offset, limit int) ([]storage.SendLog, int64, error) {
	if m.ListLogsMock != nil {
		return m.ListLogsMock(ctx, offset, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []storage.SendLog{}
	for i := len(m.order) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.logs[m.order[i]])
	}
	return out, int64(len(m.order)), nil
}

// Logs returns a snapshot of every stored log in creation order.
func (m *StorageMock) Logs() []storage.SendLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.SendLog, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.logs[id])
	}
	return out
}
