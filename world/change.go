package world

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ChangeKind 变更类型标签（封闭集合，新增变更只能新增标签）
type ChangeKind uint8

const (
	KindUnknown ChangeKind = iota
	KindPosition
	KindOnLoad
	KindMoveStart
	KindMoveStop
	KindUserLeft
)

var kindNames = [...]string{
	KindUnknown:   "unknown",
	KindPosition:  "position",
	KindOnLoad:    "on_load",
	KindMoveStart: "move_start",
	KindMoveStop:  "move_stop",
	KindUserLeft:  "user_left",
}

func (k ChangeKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ChangeKind(%d)", k)
}

// Direction 移动方向
type Direction int

const (
	DirNone Direction = iota
	DirUp
	DirDown
	DirLeft
	DirRight
)

// ParseDirection 解析客户端发送的方向字符串，无法识别时返回 DirNone
func ParseDirection(s string) Direction {
	switch s {
	case "up":
		return DirUp
	case "down":
		return DirDown
	case "left":
		return DirLeft
	case "right":
		return DirRight
	default:
		return DirNone
	}
}

func (d Direction) String() string {
	switch d {
	case DirUp:
		return "up"
	case DirDown:
		return "down"
	case DirLeft:
		return "left"
	case DirRight:
		return "right"
	default:
		return "none"
	}
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UserChange 某个用户引发的世界变更。
//
// 变体集合是封闭的：PositionChange、OnLoadSnapshot、MoveStart、MoveStop、UserLeft。
// 消费端应使用 type switch 穷举匹配。
type UserChange interface {
	UserID() string
	Kind() ChangeKind
	sealed()
}

// PositionChange 用户位置更新
type PositionChange struct {
	ID          string      `json:"id"`
	Coordinates Coordinates `json:"coordinates"`
}

// OnLoadSnapshot 用户进入区块时的初始快照：自身位置 + 区块内已有用户
type OnLoadSnapshot struct {
	ID          string        `json:"id"`
	Coordinates Coordinates   `json:"coordinates"`
	Others      []ObjectState `json:"others,omitempty"`
}

// MoveStart 用户开始朝某方向移动
type MoveStart struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
}

// MoveStop 用户停止移动，附带停下时的位置
type MoveStop struct {
	ID          string      `json:"id"`
	Coordinates Coordinates `json:"coordinates"`
}

// UserLeft 用户离开区块
type UserLeft struct {
	ID string `json:"id"`
}

func (c PositionChange) UserID() string { return c.ID }
func (c OnLoadSnapshot) UserID() string { return c.ID }
func (c MoveStart) UserID() string      { return c.ID }
func (c MoveStop) UserID() string       { return c.ID }
func (c UserLeft) UserID() string       { return c.ID }

func (PositionChange) Kind() ChangeKind { return KindPosition }
func (OnLoadSnapshot) Kind() ChangeKind { return KindOnLoad }
func (MoveStart) Kind() ChangeKind      { return KindMoveStart }
func (MoveStop) Kind() ChangeKind       { return KindMoveStop }
func (UserLeft) Kind() ChangeKind       { return KindUserLeft }

func (PositionChange) sealed() {}
func (OnLoadSnapshot) sealed() {}
func (MoveStart) sealed()      {}
func (MoveStop) sealed()       {}
func (UserLeft) sealed()       {}

// WorldChange 广播单元：不可变信封，恰好包裹一个 UserChange。
// 只能通过 NewWorldChange 构造；零值不会被区块投递。
type WorldChange struct {
	change UserChange
}

// NewWorldChange 包装一个变更。nil（含 nil 指针）返回 ErrNilChange，
// 用户 ID 为空返回 ErrEmptyUserID。
func NewWorldChange(change UserChange) (WorldChange, error) {
	c, err := normalizeChange(change)
	if err != nil {
		return WorldChange{}, err
	}
	if c.UserID() == "" {
		return WorldChange{}, fmt.Errorf("%w: %s change", ErrEmptyUserID, c.Kind())
	}
	return WorldChange{change: c}, nil
}

// normalizeChange 将指针形式的变体解引用为值，保证信封内部不可变
func normalizeChange(change UserChange) (UserChange, error) {
	switch c := change.(type) {
	case nil:
		return nil, ErrNilChange
	case *PositionChange:
		if c == nil {
			return nil, ErrNilChange
		}
		return *c, nil
	case *OnLoadSnapshot:
		if c == nil {
			return nil, ErrNilChange
		}
		cp := *c
		cp.Others = slices.Clone(c.Others)
		return cp, nil
	case *MoveStart:
		if c == nil {
			return nil, ErrNilChange
		}
		return *c, nil
	case *MoveStop:
		if c == nil {
			return nil, ErrNilChange
		}
		return *c, nil
	case *UserLeft:
		if c == nil {
			return nil, ErrNilChange
		}
		return *c, nil
	case OnLoadSnapshot:
		c.Others = slices.Clone(c.Others)
		return c, nil
	default:
		return c, nil
	}
}

// Change 返回内部变更。同一 WorldChange 会投递给所有观察者，
// 因此 OnLoadSnapshot.Others 每次返回独立副本。
func (w WorldChange) Change() UserChange {
	if c, ok := w.change.(OnLoadSnapshot); ok {
		c.Others = slices.Clone(c.Others)
		return c
	}
	return w.change
}

// IsZero 是否为未经 NewWorldChange 构造的零值
func (w WorldChange) IsZero() bool { return w.change == nil }

func (w WorldChange) UserID() string {
	if w.change == nil {
		return ""
	}
	return w.change.UserID()
}

func (w WorldChange) Kind() ChangeKind {
	if w.change == nil {
		return KindUnknown
	}
	return w.change.Kind()
}

func (w WorldChange) String() string {
	if w.change == nil {
		return "WorldChange{}"
	}
	return fmt.Sprintf("WorldChange{%s %s}", w.change.Kind(), w.change.UserID())
}

// MarshalJSON 输出 {"type":"position","user":{...}}，供传输层使用
func (w WorldChange) MarshalJSON() ([]byte, error) {
	if w.change == nil {
		return nil, ErrNilChange
	}
	return json.Marshal(struct {
		Type string     `json:"type"`
		User UserChange `json:"user"`
	}{Type: w.change.Kind().String(), User: w.change})
}
