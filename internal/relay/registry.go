package relay

import (
	"sort"
	"sync"
)

// Conn 傳輸層連接
//
// Send 不得阻塞：無法立即寫入時回傳錯誤，由廣播端記錄後略過。
type Conn interface {
	Send(data []byte) error
	Ready() bool
	Close() error
}

// Entry 登記表中的一筆紀錄（對外一律以值傳遞）
//
// State 為 nil 表示尚未 hello。
type Entry struct {
	ID    ConnID
	Conn  Conn
	State *Player
}

// Registry 連接登記表
//
// 系統設計考量：
//
//  1. 唯一真相來源：「誰連著、我們知道他們什麼」只存在這裡。
//     其他元件拿到的都是呼叫當下的快照，不持有長期引用。
//
//  2. 每個變更都是一次完整的加鎖操作，不會觀察到寫到一半的狀態。
//
//  3. 斷線與尚在處理的訊息可能交錯（例如 hello 正在等持久化查詢時連接關閉），
//     因此 SetState、Remove 對未知身份都是 no-op，而不是錯誤。
type Registry struct {
	mu      sync.RWMutex
	nextID  ConnID
	entries map[ConnID]*Entry
}

// NewRegistry 創建登記表
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[ConnID]*Entry),
	}
}

// Register 分配新身份並建立狀態為空的紀錄，永不失敗
func (r *Registry) Register(conn Conn) ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.entries[id] = &Entry{ID: id, Conn: conn}
	return id
}

// SetState 整體替換狀態；身份不存在時回傳 false
func (r *Registry) SetState(id ConnID, state Player) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		return false
	}
	s := state.Clone()
	entry.State = &s
	return true
}

// Get 取得紀錄快照
func (r *Registry) Get(id ConnID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[id]
	if !exists {
		return Entry{}, false
	}
	return entry.snapshot(), true
}

// Remove 刪除紀錄；重複刪除是 no-op，回傳 false
func (r *Registry) Remove(id ConnID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		return Entry{}, false
	}
	delete(r.entries, id)
	return entry.snapshot(), true
}

// SnapshotAll 所有已 hello 的玩家，依身份（即加入順序）排序
func (r *Registry) SnapshotAll() []PlayerEntry {
	r.mu.RLock()
	players := make([]PlayerEntry, 0, len(r.entries))
	for id, entry := range r.entries {
		if entry.State == nil {
			continue
		}
		players = append(players, PlayerEntry{ID: id, Player: entry.State.Clone()})
	}
	r.mu.RUnlock()

	sort.Slice(players, func(i, j int) bool { return players[i].ID < players[j].ID })
	return players
}

// Len 連接數
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ActiveCount 已 hello 的連接數
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, entry := range r.entries {
		if entry.State != nil {
			n++
		}
	}
	return n
}

// target 廣播目標
type target struct {
	id   ConnID
	conn Conn
}

// targets 收集廣播目標；在鎖外寫入，避免慢連接拖住登記表
func (r *Registry) targets(exclude ConnID) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]target, 0, len(r.entries))
	for id, entry := range r.entries {
		if id == exclude || entry.Conn == nil {
			continue
		}
		out = append(out, target{id: id, conn: entry.Conn})
	}
	return out
}

func (e *Entry) snapshot() Entry {
	cp := Entry{ID: e.ID, Conn: e.Conn}
	if e.State != nil {
		s := e.State.Clone()
		cp.State = &s
	}
	return cp
}
