package storage

import (
	"context"
	"sync"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/relay"
)

// Memory 行程內角色儲存
//
// 行程重啟後資料消失，只適合開發與測試。
type Memory struct {
	mu      sync.RWMutex
	records map[string]relay.Player
}

// NewMemory 創建記憶體儲存
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]relay.Player),
	}
}

// LoadByName 找不到時回傳 (nil, nil)
func (m *Memory) LoadByName(ctx context.Context, name string) (*relay.Player, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	p, ok := m.records[Key(name)]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	cp := p.Clone()
	return &cp, nil
}

// UpsertByName 寫入或覆蓋
func (m *Memory) UpsertByName(ctx context.Context, name string, p relay.Player) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key, stored := normalize(name, p)

	m.mu.Lock()
	m.records[key] = stored
	m.mu.Unlock()
	return nil
}

// Len 紀錄數
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close 無資源可釋放
func (m *Memory) Close() error { return nil }
