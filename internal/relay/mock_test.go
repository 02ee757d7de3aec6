package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-multiplayer-relay/internal/events"
	"github.com/koopa0/system-design/14-multiplayer-relay/internal/relay"
)

// mockConn 記錄所有寫入的連接
type mockConn struct {
	mu       sync.Mutex
	sent     [][]byte
	notReady bool
	sendErr  error
	closed   bool
	onReady  func() // 下一次 Ready 時執行一次，模擬其他連接在此刻被排程
}

func (c *mockConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *mockConn) Ready() bool {
	c.mu.Lock()
	hook := c.onReady
	c.onReady = nil
	ready := !c.notReady && !c.closed
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return ready
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// frame 收到的一則訊息
type frame map[string]json.RawMessage

func (f frame) kind() string {
	var s string
	_ = json.Unmarshal(f["type"], &s)
	return s
}

func (c *mockConn) frames(t *testing.T) []frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]frame, 0, len(c.sent))
	for _, data := range c.sent {
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		out = append(out, f)
	}
	return out
}

func (c *mockConn) kinds(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, f := range c.frames(t) {
		out = append(out, f.kind())
	}
	return out
}

func (c *mockConn) last(t *testing.T) frame {
	t.Helper()
	fs := c.frames(t)
	require.NotEmpty(t, fs, "no frames received")
	return fs[len(fs)-1]
}

func (c *mockConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

func (c *mockConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

var errWriteFailed = errors.New("write: broken pipe")

// recordingStore 可控制失敗的記憶體儲存
type recordingStore struct {
	mu      sync.Mutex
	records map[string]relay.Player
	loads   []string
	upserts []string
	loadErr error
	saveErr error
	block   chan struct{} // 非 nil 時 LoadByName 等待關閉

	saveBlock chan struct{} // 非 nil 時 UpsertByName 等待關閉
	inFlight  int           // 同時進行中的 UpsertByName
	maxFlight int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{records: make(map[string]relay.Player)}
}

func (s *recordingStore) LoadByName(ctx context.Context, name string) (*relay.Player, error) {
	s.mu.Lock()
	s.loads = append(s.loads, name)
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	p, ok := s.records[name]
	if !ok {
		return nil, nil
	}
	cp := p.Clone()
	return &cp, nil
}

func (s *recordingStore) UpsertByName(ctx context.Context, name string, p relay.Player) error {
	s.mu.Lock()
	s.inFlight++
	s.maxFlight = max(s.maxFlight, s.inFlight)
	block := s.saveBlock
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.upserts = append(s.upserts, name)
	if s.saveErr != nil {
		return s.saveErr
	}
	s.records[name] = p.Clone()
	return nil
}

func (s *recordingStore) get(name string) (relay.Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[name]
	return p, ok
}

func (s *recordingStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

// recordingPublisher 記錄發布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}
