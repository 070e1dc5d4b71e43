package otp

import (
	"context"
	"strings"
	"sync"
)

// BackupCode is a stored, still unused backup code hash.
type BackupCode struct {
	ID   int64
	Hash string
}

// BackupStore keeps backup code hashes per identity. Consume must be atomic:
// of two concurrent calls for the same code exactly one reports true.
type BackupStore interface {
	ReplaceBackupCodes(ctx context.Context, identityID string, hashes []string) error
	UnusedBackupCodes(ctx context.Context, identityID string) ([]BackupCode, error)
	ConsumeBackupCode(ctx context.Context, identityID string, id int64) (bool, error)
}

var _ BackupStore = (*MemoryBackups)(nil)

// MemoryBackups is the process-local BackupStore.
type MemoryBackups struct {
	mu     sync.Mutex
	nextID int64
	codes  map[string][]*memoryBackup
}

type memoryBackup struct {
	id   int64
	hash string
	used bool
}

func NewMemoryBackups() *MemoryBackups {
	return &MemoryBackups{codes: make(map[string][]*memoryBackup)}
}

func (m *MemoryBackups) ReplaceBackupCodes(_ context.Context, identityID string, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]*memoryBackup, 0, len(hashes))
	for _, h := range hashes {
		m.nextID++
		stored = append(stored, &memoryBackup{id: m.nextID, hash: h})
	}
	m.codes[strings.TrimSpace(identityID)] = stored
	return nil
}

func (m *MemoryBackups) UnusedBackupCodes(_ context.Context, identityID string) ([]BackupCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BackupCode
	for _, b := range m.codes[identityID] {
		if !b.used {
			out = append(out, BackupCode{ID: b.id, Hash: b.hash})
		}
	}
	return out, nil
}

func (m *MemoryBackups) ConsumeBackupCode(_ context.Context, identityID string, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.codes[identityID] {
		if b.id == id {
			if b.used {
				return false, nil
			}
			b.used = true
			return true, nil
		}
	}
	return false, nil
}
