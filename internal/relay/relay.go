// Package relay 實現多人遊戲的連接狀態中繼
//
// 系統設計問題：
//
//	如何讓許多並發連接共享每個玩家的最新狀態，並在可選的持久化後端上保存角色？
//
// 核心挑戰：
//  1. 並發：hello 在等待持久化查詢時，其他連接（甚至同一連接的斷線）可能同時發生
//  2. 扇出：一條訊息寫給所有人，單一慢連接不能拖累其他人
//  3. 持久化是旁路：後端失敗或很慢都不能影響協議
//
// 設計方案：
//
//	✅ 登記表每次變更都是單一加鎖步驟，對未知身份 no-op
//	✅ 「變更登記表 + 排入訊息」在中繼鎖內一次完成，各連接看到一致的事件順序
//	✅ 廣播序列化一次、逐一非阻塞寫入、失敗隔離
//	✅ 持久化寫入以分離任務執行，只記錄失敗，從不等待；同名寫入依序合併
//	✅ 同一連接的訊息依序處理（由傳輸層的讀取迴圈保證）
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/events"
	apperrors "github.com/koopa0/system-design/14-multiplayer-relay/pkg/errors"
)

// CharacterStore 持久化介面卡
//
// LoadByName 找不到時回傳 (nil, nil)。兩個操作都可能失敗，中繼只記錄、不傳播。
type CharacterStore interface {
	LoadByName(ctx context.Context, name string) (*Player, error)
	UpsertByName(ctx context.Context, name string, p Player) error
}

// Options 中繼行為參數
type Options struct {
	ChatMaxLength      int           // 聊天文字上限（字元數）
	AnonymousName      string        // 尚未 hello 或沒有名字時的顯示名稱
	PersistenceTimeout time.Duration // 單次持久化呼叫的上限
}

// DefaultOptions 預設參數
func DefaultOptions() Options {
	return Options{
		ChatMaxLength:      200,
		AnonymousName:      "Anonymous",
		PersistenceTimeout: 5 * time.Second,
	}
}

// Stats 中繼統計
type Stats struct {
	Connections        int  `json:"connections"`
	ActivePlayers      int  `json:"active_players"`
	PersistenceEnabled bool `json:"persistence_enabled"`
	BroadcastStats
}

// Relay 協議狀態機
//
// 每個連接的狀態隱含在登記表中：State 為 nil 是 pre-hello，否則為 active。
//
//	pre-hello --hello--> active --state--> active
//	any --chat--> unchanged
//	any --close--> terminal（移除 + playerLeft）
type Relay struct {
	registry *Registry
	router   *Broadcaster
	store    CharacterStore
	events   events.Publisher
	logger   *slog.Logger
	opts     Options

	// mu 序列化「變更登記表 + 排入訊息」。
	// 持有期間不做 I/O：Conn.Send 只寫入緩衝，持久化查詢在鎖外完成。
	mu sync.Mutex

	tasks sync.WaitGroup // 分離的持久化、事件發布任務

	saveMu sync.Mutex
	saving map[string]*Player // 正在保存的名稱 → 下一筆待寫快照（nil 表示沒有）
}

// New 創建中繼
//
// store 為 nil 時以純記憶體模式運行；publisher 為 nil 時不發布事件。
func New(store CharacterStore, publisher events.Publisher, logger *slog.Logger, opts Options) *Relay {
	defaults := DefaultOptions()
	if opts.ChatMaxLength <= 0 {
		opts.ChatMaxLength = defaults.ChatMaxLength
	}
	if opts.AnonymousName == "" {
		opts.AnonymousName = defaults.AnonymousName
	}
	if opts.PersistenceTimeout <= 0 {
		opts.PersistenceTimeout = defaults.PersistenceTimeout
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	registry := NewRegistry()
	return &Relay{
		registry: registry,
		router:   NewBroadcaster(registry, logger),
		store:    store,
		events:   publisher,
		logger:   logger,
		opts:     opts,
		saving:   make(map[string]*Player),
	}
}

// Registry 登記表（唯讀用途：統計、測試）
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Connect 登記新連接，回傳分配的身份
func (r *Relay) Connect(conn Conn) ConnID {
	id := r.registry.Register(conn)
	r.logger.Debug("連接已登記", "conn_id", uint64(id))
	return id
}

// HandleMessage 處理一個入站文字框
//
// 格式錯誤或未知類型的訊息靜默丟棄，不回應、不中斷連接。
func (r *Relay) HandleMessage(ctx context.Context, id ConnID, data []byte) {
	msg, err := ParseClientMessage(data)
	if err != nil {
		level := slog.LevelWarn
		if apperrors.IsMalformed(err) {
			level = slog.LevelDebug
		}
		r.logger.Log(ctx, level, "丟棄無法解析的訊息", "error", err)
		return
	}

	switch m := msg.(type) {
	case HelloMessage:
		r.handleHello(ctx, id, m)
	case StateMessage:
		r.handleState(ctx, id, m)
	case ChatMessage:
		r.handleChat(ctx, id, m)
	}
}

// Disconnect 連接關閉：移除紀錄並通知剩餘連接
//
// 只有第一次呼叫會廣播，之後是 no-op。pre-hello 的連接也會廣播 playerLeft，
// 客戶端會忽略未知身份的離開事件。
func (r *Relay) Disconnect(id ConnID) {
	r.mu.Lock()
	entry, ok := r.registry.Remove(id)
	if !ok {
		r.mu.Unlock()
		return
	}
	r.router.Broadcast(NewPlayerLeft(id), NoExclude)
	r.mu.Unlock()

	e := events.New(events.KindPlayerLeft, uint64(id))
	if entry.State != nil {
		e.Name = entry.State.Name
	}
	r.publish(e)

	r.logger.Debug("連接已移除", "conn_id", uint64(id))
}

// HandleError 傳輸錯誤只記錄；清理交給隨後的關閉事件
func (r *Relay) HandleError(id ConnID, err error) {
	r.logger.Warn("傳輸錯誤", "conn_id", uint64(id), "error", err)
}

// CloseAll 關閉所有連接（關機用），各連接仍走正常的關閉流程
func (r *Relay) CloseAll() {
	for _, t := range r.registry.targets(NoExclude) {
		if err := t.conn.Close(); err != nil {
			r.logger.Debug("關閉連接失敗", "conn_id", uint64(t.id), "error", err)
		}
	}
}

// Wait 等待分離任務完成，或 ctx 結束
func (r *Relay) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 統計
func (r *Relay) Stats() Stats {
	return Stats{
		Connections:        r.registry.Len(),
		ActivePlayers:      r.registry.ActiveCount(),
		PersistenceEnabled: r.store != nil,
		BroadcastStats:     r.router.Stats(),
	}
}

// handleHello 解析身份、回覆 welcome、通知其他人
func (r *Relay) handleHello(ctx context.Context, id ConnID, m HelloMessage) {
	incoming, err := DecodePlayer(m.Player)
	if err != nil {
		r.logger.DebugContext(ctx, "丟棄 hello", "error", err)
		return
	}

	effective := r.resolve(ctx, incoming, m.Player)

	// 從寫入狀態到通知其他人是一個不可分割的步驟：
	// 其他連接的離開或狀態更新要嘛已反映在 welcome 快照中，要嘛排在 welcome 之後
	r.mu.Lock()
	// 查詢期間連接可能已經關閉
	if !r.registry.SetState(id, effective) {
		r.mu.Unlock()
		r.logger.DebugContext(ctx, "hello 解析完成前連接已關閉")
		return
	}

	players := r.registry.SnapshotAll()
	others := players[:0]
	for _, p := range players {
		if p.ID != id {
			others = append(others, p)
		}
	}

	welcomeErr := r.router.SendTo(id, NewWelcome(id, others))
	r.router.Broadcast(NewPlayerJoined(id, effective), id)
	r.mu.Unlock()

	if welcomeErr != nil {
		r.logger.WarnContext(ctx, "發送 welcome 失敗", "error", welcomeErr)
	}

	e := events.New(events.KindPlayerJoined, uint64(id))
	e.Name = effective.Name
	r.publish(e)

	r.logger.InfoContext(ctx, "玩家加入", "name", effective.Name)
}

// resolve hello 解析演算法
//
//  1. 有持久化且找到紀錄：以紀錄為底，疊上 incoming 出現的欄位
//  2. 找不到紀錄：使用 incoming，並順手持久化（不等待）
//  3. 沒有持久化：原樣使用 incoming
//
// 查詢失敗視同找不到。
func (r *Relay) resolve(ctx context.Context, incoming Player, raw json.RawMessage) Player {
	if r.store == nil || incoming.Name == "" {
		return incoming
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.opts.PersistenceTimeout)
	stored, err := r.store.LoadByName(lookupCtx, incoming.Name)
	cancel()
	if err != nil {
		r.logger.WarnContext(ctx, "載入角色失敗", "name", incoming.Name, "error", err)
		stored = nil
	}

	if stored == nil {
		r.persist(incoming)
		return incoming
	}

	merged, err := Overlay(*stored, raw)
	if err != nil {
		r.logger.WarnContext(ctx, "合併角色失敗", "name", incoming.Name, "error", err)
		return incoming
	}
	return merged
}

// handleState 整體替換狀態（省略 player 時沿用先前狀態）
func (r *Relay) handleState(ctx context.Context, id ConnID, m StateMessage) {
	var incoming *Player
	if m.Player != nil {
		p, err := DecodePlayer(m.Player)
		if err != nil {
			r.logger.DebugContext(ctx, "丟棄 state", "error", err)
			return
		}
		incoming = &p
	}

	r.mu.Lock()
	entry, ok := r.registry.Get(id)
	if !ok {
		r.mu.Unlock()
		return
	}
	if entry.State == nil {
		r.mu.Unlock()
		r.logger.DebugContext(ctx, "丟棄 hello 之前的 state")
		return
	}

	next := *entry.State
	if incoming != nil {
		next = *incoming
	}
	if !r.registry.SetState(id, next) {
		r.mu.Unlock()
		return
	}
	r.router.Broadcast(NewStateBroadcast(id, next), id)
	r.mu.Unlock()

	r.persist(next)
}

// handleChat 截斷後廣播給所有人（包含發送者）
func (r *Relay) handleChat(ctx context.Context, id ConnID, m ChatMessage) {
	entry, ok := r.registry.Get(id)
	if !ok {
		return
	}

	text := truncate(m.Text, r.opts.ChatMaxLength)
	if strings.TrimSpace(text) == "" {
		return
	}

	from := r.opts.AnonymousName
	if entry.State != nil && entry.State.Name != "" {
		from = entry.State.Name
	}

	r.mu.Lock()
	r.router.Broadcast(NewChatBroadcast(from, text), NoExclude)
	r.mu.Unlock()

	e := events.New(events.KindChat, uint64(id))
	e.Name = from
	e.Text = text
	r.publish(e)

	r.logger.DebugContext(ctx, "轉發聊天", "from", from, "length", utf8.RuneCountInString(text))
}

// persist 分離任務：開始、記錄失敗、從不等待
//
// 同一名稱同時只有一個寫入者。寫入進行中到達的快照只保留最新一筆，
// 由該寫入者完成後接著寫，所以儲存的紀錄依訊息順序前進，不會被較舊的快照覆蓋。
func (r *Relay) persist(p Player) {
	if r.store == nil || p.Name == "" {
		return
	}

	snapshot := p.Clone()
	name := snapshot.Name

	r.saveMu.Lock()
	if _, running := r.saving[name]; running {
		r.saving[name] = &snapshot
		r.saveMu.Unlock()
		return
	}
	r.saving[name] = nil
	r.saveMu.Unlock()

	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()

		next := snapshot
		for {
			r.save(next)

			r.saveMu.Lock()
			pending := r.saving[name]
			if pending == nil {
				delete(r.saving, name)
				r.saveMu.Unlock()
				return
			}
			r.saving[name] = nil
			r.saveMu.Unlock()
			next = *pending
		}
	}()
}

func (r *Relay) save(p Player) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PersistenceTimeout)
	defer cancel()

	if err := r.store.UpsertByName(ctx, p.Name, p); err != nil {
		level := slog.LevelWarn
		if apperrors.IsStoreUnavailable(err) {
			level = slog.LevelError
		}
		r.logger.Log(ctx, level, "保存角色失敗，略過", "name", p.Name, "error", err)
	}
}

// publish 分離任務：發布中繼事件
func (r *Relay) publish(e events.Event) {
	if _, nop := r.events.(events.Nop); nop {
		return
	}

	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.opts.PersistenceTimeout)
		defer cancel()

		if err := r.events.Publish(ctx, e); err != nil {
			r.logger.Warn("發布事件失敗", "kind", e.Kind, "error", err)
		}
	}()
}

// truncate 依字元數截斷
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
