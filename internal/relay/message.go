package relay

import (
	"encoding/json"

	apperrors "github.com/koopa0/system-design/14-multiplayer-relay/pkg/errors"
)

// ConnID 連接身份
//
// 由登記表在連線時分配，單調遞增，行程生命週期內不重用；沒有持久意義。
type ConnID uint64

// NoExclude 廣播時不排除任何連接（身份從 1 開始分配）
const NoExclude ConnID = 0

// MessageType 訊息類型
type MessageType string

// 客戶端 → 伺服器
const (
	TypeHello MessageType = "hello"
	TypeState MessageType = "state"
	TypeChat  MessageType = "chat"
)

// 伺服器 → 客戶端（state、chat 兩個方向共用名稱）
const (
	TypeWelcome      MessageType = "welcome"
	TypePlayerJoined MessageType = "playerJoined"
	TypePlayerLeft   MessageType = "playerLeft"
)

// ClientMessage 客戶端訊息的封閉集合：HelloMessage、StateMessage、ChatMessage
type ClientMessage interface {
	clientMessage()
}

// HelloMessage 首次握手，帶上玩家紀錄
type HelloMessage struct {
	Player json.RawMessage
}

// StateMessage 狀態更新；Player 為 nil 表示沿用先前狀態
type StateMessage struct {
	Player json.RawMessage
}

// ChatMessage 聊天
type ChatMessage struct {
	Text string
}

func (HelloMessage) clientMessage() {}
func (StateMessage) clientMessage() {}
func (ChatMessage) clientMessage()  {}

// envelope 入站訊息外殼；未列出的欄位直接忽略
type envelope struct {
	Type   MessageType     `json:"type"`
	Player json.RawMessage `json:"player"`
	Text   json.RawMessage `json:"text"`
}

// ParseClientMessage 解析一個文字框
//
// 非 JSON、缺少 type 回傳 ErrMalformedMessage；未知 type 回傳 ErrUnknownMessageType。
// 呼叫方對兩者的處理都是靜默丟棄。
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMalformed, "decode envelope")
	}
	if env.Type == "" {
		return nil, apperrors.ErrMalformedMessage.WithDetails("missing type")
	}

	switch env.Type {
	case TypeHello:
		if isAbsent(env.Player) {
			return nil, apperrors.ErrMalformedMessage.WithDetails("hello without player")
		}
		return HelloMessage{Player: env.Player}, nil

	case TypeState:
		if isAbsent(env.Player) {
			return StateMessage{}, nil
		}
		return StateMessage{Player: env.Player}, nil

	case TypeChat:
		var text string
		if !isAbsent(env.Text) {
			if err := json.Unmarshal(env.Text, &text); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeMalformed, "chat text must be a string")
			}
		}
		return ChatMessage{Text: text}, nil

	default:
		return nil, apperrors.ErrUnknownMessageType.WithDetails(string(env.Type))
	}
}

// PlayerEntry welcome 中的一筆玩家快照
type PlayerEntry struct {
	ID     ConnID `json:"id"`
	Player Player `json:"player"`
}

// WelcomeMessage 只發給剛完成 hello 的連接
type WelcomeMessage struct {
	Type    MessageType   `json:"type"`
	ID      ConnID        `json:"id"`
	Players []PlayerEntry `json:"players"`
}

// PlayerJoinedMessage 通知其他連接有新玩家
type PlayerJoinedMessage struct {
	Type   MessageType `json:"type"`
	ID     ConnID      `json:"id"`
	Player Player      `json:"player"`
}

// PlayerLeftMessage 通知剩餘連接有玩家離開
type PlayerLeftMessage struct {
	Type MessageType `json:"type"`
	ID   ConnID      `json:"id"`
}

// StateBroadcast 狀態變更
type StateBroadcast struct {
	Type   MessageType `json:"type"`
	ID     ConnID      `json:"id"`
	Player Player      `json:"player"`
}

// ChatBroadcast 聊天廣播
type ChatBroadcast struct {
	Type MessageType `json:"type"`
	From string      `json:"from"`
	Text string      `json:"text"`
}

// NewWelcome 建立 welcome；players 為空時序列化為 [] 而非 null
func NewWelcome(id ConnID, players []PlayerEntry) WelcomeMessage {
	if players == nil {
		players = []PlayerEntry{}
	}
	return WelcomeMessage{Type: TypeWelcome, ID: id, Players: players}
}

// NewPlayerJoined 建立 playerJoined
func NewPlayerJoined(id ConnID, p Player) PlayerJoinedMessage {
	return PlayerJoinedMessage{Type: TypePlayerJoined, ID: id, Player: p}
}

// NewPlayerLeft 建立 playerLeft
func NewPlayerLeft(id ConnID) PlayerLeftMessage {
	return PlayerLeftMessage{Type: TypePlayerLeft, ID: id}
}

// NewStateBroadcast 建立 state 廣播
func NewStateBroadcast(id ConnID, p Player) StateBroadcast {
	return StateBroadcast{Type: TypeState, ID: id, Player: p}
}

// NewChatBroadcast 建立 chat 廣播
func NewChatBroadcast(from, text string) ChatBroadcast {
	return ChatBroadcast{Type: TypeChat, From: from, Text: text}
}
