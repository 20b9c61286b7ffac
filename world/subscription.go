package world

import (
	"context"
	"iter"

	"github.com/sasha-s/go-deadlock"
)

// DefaultReplayCapacity 订阅缓冲的默认容量（未读事件上限）
const DefaultReplayCapacity = 256

// SubscriptionState 订阅生命周期：Open → Closing → Terminated
type SubscriptionState int32

const (
	SubscriptionOpen SubscriptionState = iota
	// SubscriptionClosing 不再接收新事件，但缓冲内仍有未读事件
	SubscriptionClosing
	// SubscriptionTerminated 已关闭且缓冲读空
	SubscriptionTerminated
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionOpen:
		return "open"
	case SubscriptionClosing:
		return "closing"
	case SubscriptionTerminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// Subscription 单个观察者的有界有序事件缓冲（环形队列）。
//
// 写入方（区块广播）永不阻塞：缓冲满时淘汰最旧的未读事件。
// 读取方只能有一个；Next/All 从上次读到的位置继续。
type Subscription struct {
	mu         deadlock.Mutex
	buf        []WorldChange
	head       int
	size       int
	closed     bool
	terminated bool
	dropped    uint64

	notify chan struct{} // 容量 1：有新事件或关闭
	done   chan struct{} // 终止时关闭
}

// NewSubscription 创建容量为 capacity 的订阅；capacity < 1 时使用 DefaultReplayCapacity
func NewSubscription(capacity int) *Subscription {
	if capacity < 1 {
		capacity = DefaultReplayCapacity
	}
	return &Subscription{
		buf:    make([]WorldChange, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push 追加到队尾；已关闭时返回 ok=false。缓冲满时淘汰队头并返回 evicted=true。
func (s *Subscription) push(change WorldChange) (ok, evicted bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, false
	}
	if s.size == len(s.buf) {
		s.buf[s.head] = WorldChange{}
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.dropped++
		evicted = true
	}
	s.buf[(s.head+s.size)%len(s.buf)] = change
	s.size++
	s.mu.Unlock()

	s.signal()
	return true, evicted
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// popLocked 取出队头；关闭后读空即终止
func (s *Subscription) popLocked() (WorldChange, bool) {
	if s.size == 0 {
		if s.closed {
			s.terminateLocked()
		}
		return WorldChange{}, false
	}
	c := s.buf[s.head]
	s.buf[s.head] = WorldChange{}
	s.head = (s.head + 1) % len(s.buf)
	s.size--
	if s.size == 0 && s.closed {
		s.terminateLocked()
	}
	return c, true
}

func (s *Subscription) terminateLocked() {
	if s.terminated {
		return
	}
	s.terminated = true
	close(s.done)
}

// TryNext 非阻塞读取一个事件
func (s *Subscription) TryNext() (WorldChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked()
}

// Next 阻塞读取下一个事件。
// 订阅终止后返回 ErrSubscriptionClosed；ctx 取消时返回 ctx.Err()。
func (s *Subscription) Next(ctx context.Context) (WorldChange, error) {
	for {
		s.mu.Lock()
		c, ok := s.popLocked()
		terminated := s.terminated
		s.mu.Unlock()
		if ok {
			return c, nil
		}
		if terminated {
			return WorldChange{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return WorldChange{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// All 返回按顺序读取缓冲的惰性序列，订阅终止或 ctx 取消时结束。
// 再次调用从上次停下的位置继续。
func (s *Subscription) All(ctx context.Context) iter.Seq[WorldChange] {
	return func(yield func(WorldChange) bool) {
		for {
			c, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(c) {
				return
			}
		}
	}
}

// Close 标记不再有输入；已缓冲的事件仍可读完。可重复调用。
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.size == 0 {
		s.terminateLocked()
	}
	s.mu.Unlock()
	s.signal()
}

// Done 订阅终止（关闭且读空）时关闭
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.terminated:
		return SubscriptionTerminated
	case s.closed:
		return SubscriptionClosing
	default:
		return SubscriptionOpen
	}
}

// Len 当前未读事件数
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Subscription) Cap() int { return len(s.buf) }

// Dropped 因缓冲满被淘汰的事件总数
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
