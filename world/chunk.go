package world

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
)

// DuplicatePolicy 同一 userID 重复 AddObject 时的处理策略
type DuplicatePolicy int

const (
	// DuplicateReject 拒绝新注册，保留原订阅（默认）
	DuplicateReject DuplicatePolicy = iota
	// DuplicateReplace 关闭原订阅（剩余事件仍可读完），换成新订阅
	DuplicateReplace
)

func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateReject:
		return "reject"
	case DuplicateReplace:
		return "replace"
	default:
		return fmt.Sprintf("DuplicatePolicy(%d)", int(p))
	}
}

// ParseDuplicatePolicy 解析配置中的策略名（reject / replace）
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return DuplicateReject, nil
	case "replace":
		return DuplicateReplace, nil
	default:
		return DuplicateReject, fmt.Errorf("unknown duplicate policy %q", s)
	}
}

// ChunkStats 区块运行指标快照
type ChunkStats struct {
	Key       ChunkKey `json:"key"`
	Observers int      `json:"observers"`
	Published uint64   `json:"published"`
	Evicted   uint64   `json:"evicted"`
}

type registration struct {
	sub *Subscription
	at  Coordinates
}

// Chunk 世界的一个空间分区：维护当前观察者集合，并按发布顺序向所有观察者广播变更。
//
// 注册表的增删与每次广播的扇出在同一把锁下串行执行；扇出只做非阻塞的
// 缓冲写入，因此生产者不会被慢消费者拖住。锁顺序固定为 区块 → 订阅。
type Chunk struct {
	key      ChunkKey
	capacity int
	policy   DuplicatePolicy
	log      *zap.Logger
	now      func() time.Time

	mu         deadlock.Mutex
	regs       map[string]*registration
	closed     bool
	emptySince time.Time
	published  uint64
	evicted    uint64
}

// ChunkOption 区块构造选项
type ChunkOption func(*Chunk)

// WithReplayCapacity 新建订阅的缓冲容量
func WithReplayCapacity(n int) ChunkOption {
	return func(c *Chunk) {
		if n > 0 {
			c.capacity = n
		}
	}
}

func WithDuplicatePolicy(p DuplicatePolicy) ChunkOption {
	return func(c *Chunk) { c.policy = p }
}

func WithLogger(l *zap.Logger) ChunkOption {
	return func(c *Chunk) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) ChunkOption {
	return func(c *Chunk) {
		if now != nil {
			c.now = now
		}
	}
}

// NewChunk 创建区块
func NewChunk(key ChunkKey, opts ...ChunkOption) *Chunk {
	c := &Chunk{
		key:      key,
		capacity: DefaultReplayCapacity,
		policy:   DuplicateReject,
		log:      zap.NewNop(),
		now:      time.Now,
		regs:     make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.Stringer("chunk", key))
	c.emptySince = c.now()
	return c
}

func (c *Chunk) Key() ChunkKey { return c.key }

// AddObject 注册观察者。sub 为 nil 时按区块容量新建订阅。
// 注册前发布的事件不会出现在该订阅中。
func (c *Chunk) AddObject(userID string, at Coordinates, sub *Subscription) (*Subscription, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if sub == nil {
		sub = NewSubscription(c.capacity)
	} else if st := sub.State(); st != SubscriptionOpen {
		return nil, fmt.Errorf("chunk %s: add %q: %w", c.key, userID, ErrSubscriptionClosed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("chunk %s: add %q: %w", c.key, userID, ErrChunkClosed)
	}

	if old, ok := c.regs[userID]; ok {
		if c.policy != DuplicateReplace {
			c.log.Warn("duplicate registration rejected", zap.String("user", userID))
			return nil, fmt.Errorf("chunk %s: add %q: %w", c.key, userID, ErrDuplicateRegistration)
		}
		if old.sub == sub {
			old.at = at
			return sub, nil
		}
		old.sub.Close()
		c.log.Info("registration replaced", zap.String("user", userID))
	}

	c.regs[userID] = &registration{sub: sub, at: at}
	c.emptySince = time.Time{}
	c.log.Debug("observer registered", zap.String("user", userID), zap.Stringer("at", at))
	return sub, nil
}

// NotifyUsers 将变更投递给调用被处理时已注册的全部观察者。
// 永不阻塞；慢消费者丢失最旧的未读事件。
func (c *Chunk) NotifyUsers(change WorldChange) {
	if change.IsZero() {
		c.log.Warn("ignoring zero world change")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.published++
	for id, r := range c.regs {
		ok, evicted := r.sub.push(change)
		if evicted {
			c.evicted++
		}
		if !ok {
			// 消费端自行关闭了订阅
			delete(c.regs, id)
			c.log.Debug("pruned closed subscription", zap.String("user", id))
		}
	}
	if len(c.regs) == 0 && c.emptySince.IsZero() {
		c.emptySince = c.now()
	}
	c.trackLocked(change.Change())
}

// trackLocked 记录已注册用户的最近位置，仅用于查询，不做任何过滤
func (c *Chunk) trackLocked(change UserChange) {
	switch ch := change.(type) {
	case PositionChange:
		if r, ok := c.regs[ch.ID]; ok {
			r.at = ch.Coordinates
		}
	case MoveStop:
		if r, ok := c.regs[ch.ID]; ok {
			r.at = ch.Coordinates
		}
	case OnLoadSnapshot:
		if r, ok := c.regs[ch.ID]; ok {
			r.at = ch.Coordinates
		}
	case MoveStart, UserLeft:
	}
}

// Unregister 移除观察者并关闭其订阅。未知 ID 是空操作，可重复调用。
func (c *Chunk) Unregister(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.regs[userID]
	if !ok {
		return false
	}
	delete(c.regs, userID)
	r.sub.Close()
	if len(c.regs) == 0 {
		c.emptySince = c.now()
	}
	c.log.Debug("observer unregistered", zap.String("user", userID))
	return true
}

// Release 仅当 userID 当前注册的正是 sub 时才注销。
// 替换策略下旧会话清理时使用，避免误删新会话的注册。
func (c *Chunk) Release(userID string, sub *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.regs[userID]
	if !ok || r.sub != sub {
		return false
	}
	delete(c.regs, userID)
	r.sub.Close()
	if len(c.regs) == 0 {
		c.emptySince = c.now()
	}
	return true
}

// Close 销毁区块：关闭所有订阅，此后的注册失败、发布忽略
func (c *Chunk) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, r := range c.regs {
		r.sub.Close()
	}
	n := len(c.regs)
	c.regs = make(map[string]*registration)
	c.log.Info("chunk closed", zap.Int("observers", n))
}

// CloseIfIdle 无观察者已超过 ttl 时销毁区块并返回 true。
// 判断与销毁在同一次加锁内完成，成功注册的观察者不会被回收误关。
func (c *Chunk) CloseIfIdle(now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.regs) > 0 || now.Sub(c.emptySince) < ttl {
		return false
	}
	c.closed = true
	c.log.Info("idle chunk closed", zap.Duration("idle", now.Sub(c.emptySince)))
	return true
}

func (c *Chunk) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Chunk) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.regs)
}

func (c *Chunk) Has(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.regs[userID]
	return ok
}

// Position 返回已注册用户的最近已知位置
func (c *Chunk) Position(userID string) (Coordinates, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.regs[userID]
	if !ok {
		return Coordinates{}, false
	}
	return r.at, true
}

// Objects 当前注册用户的时点快照（按 ID 排序）
func (c *Chunk) Objects() []ObjectState {
	c.mu.Lock()
	out := make([]ObjectState, 0, len(c.regs))
	for id, r := range c.regs {
		out = append(out, ObjectState{ID: id, Coordinates: r.at})
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b ObjectState) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// IdleSince 区块变为无观察者的时间；有观察者时返回 false
func (c *Chunk) IdleSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.regs) > 0 {
		return time.Time{}, false
	}
	return c.emptySince, true
}

func (c *Chunk) Stats() ChunkStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChunkStats{
		Key:       c.key,
		Observers: len(c.regs),
		Published: c.published,
		Evicted:   c.evicted,
	}
}
