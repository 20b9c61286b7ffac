package server

// 入站输入的 JSON 结构（WebSocket 文本消息）
// 示例：{"type":"move","command":"up","seq":3}
//
//	{"type":"move_start","command":"left"}
//	{"type":"move_stop"}
type InputMessage struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Seq     int64  `json:"seq,omitempty"` // 客户端本地序列号，用于去重
}

const (
	InputMove      = "move"
	InputMoveStart = "move_start"
	InputMoveStop  = "move_stop"
)
