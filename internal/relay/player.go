package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	apperrors "github.com/koopa0/system-design/14-multiplayer-relay/pkg/errors"
)

// Vec3 世界座標
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Player 玩家狀態
//
// 除了 Name 作為持久化鍵之外，中繼不解讀任何欄位內容：
// Appearance、Stats 以原始 JSON 透傳，未出現時序列化為 null。
type Player struct {
	Name       string          `json:"name"`
	Role       *string         `json:"role"`
	Appearance json.RawMessage `json:"appearance"`
	Stats      json.RawMessage `json:"stats"`
	Position   *Vec3           `json:"position"`
	RotationY  float64         `json:"rotationY"`
}

// playerFields 已知欄位；其他欄位一律忽略，不會被透傳
var playerFields = []string{"name", "role", "appearance", "stats", "position", "rotationY"}

// DecodePlayer 解析客戶端送來的 player 物件
func DecodePlayer(raw json.RawMessage) (Player, error) {
	if !isObject(raw) {
		return Player{}, apperrors.ErrMalformedMessage.WithDetails("player must be an object")
	}

	var p Player
	if err := json.Unmarshal(raw, &p); err != nil {
		return Player{}, apperrors.Wrap(err, apperrors.ErrCodeMalformed, "decode player")
	}
	return p, nil
}

// Overlay 以 incoming 中出現的欄位覆蓋 stored（incoming 優先）
//
// 只在 hello 時使用：重連的客戶端可以帶上暫態欄位（例如新位置），
// 同時繼承它沒有送出的持久欄位。明確送出 null 也算出現。
func Overlay(stored Player, incoming json.RawMessage) (Player, error) {
	var present map[string]json.RawMessage
	if !isObject(incoming) {
		return Player{}, apperrors.ErrMalformedMessage.WithDetails("player must be an object")
	}
	if err := json.Unmarshal(incoming, &present); err != nil {
		return Player{}, apperrors.Wrap(err, apperrors.ErrCodeMalformed, "decode player")
	}

	base, err := json.Marshal(stored)
	if err != nil {
		return Player{}, fmt.Errorf("encode stored player: %w", err)
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return Player{}, fmt.Errorf("decode stored player: %w", err)
	}

	for _, key := range playerFields {
		if v, ok := present[key]; ok {
			merged[key] = v
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return Player{}, fmt.Errorf("encode merged player: %w", err)
	}

	var p Player
	if err := json.Unmarshal(out, &p); err != nil {
		return Player{}, apperrors.Wrap(err, apperrors.ErrCodeMalformed, "decode merged player")
	}
	return p, nil
}

// Clone 深拷貝，讓快照與登記表內的狀態互不影響
func (p Player) Clone() Player {
	cp := p
	if p.Role != nil {
		role := *p.Role
		cp.Role = &role
	}
	if p.Position != nil {
		pos := *p.Position
		cp.Position = &pos
	}
	cp.Appearance = cloneRaw(p.Appearance)
	cp.Stats = cloneRaw(p.Stats)
	return cp
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// isObject 判斷原始 JSON 是否為物件
func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// isAbsent 判斷欄位是否缺席（未出現或為 null）
func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
