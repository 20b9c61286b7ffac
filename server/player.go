package server

import (
	"context"
	"fmt"

	"github.com/sasha-s/go-deadlock"

	"zorgworld/world"
)

// sessionConn 会话的出站连接：写变更 + 带原因关闭
type sessionConn interface {
	world.Communicator
	CloseWith(reason string)
}

// Player 一个在线会话（服务端权威位置 + 当前所在区块的订阅）。
// 位置与区块只由读协程修改；订阅指针在迁移时切换，写协程据此续读。
type Player struct {
	ID string

	mu       deadlock.Mutex
	conn     sessionConn
	kicked   bool
	pos      world.Coordinates
	chunk    world.ChunkKey
	sub      *world.Subscription
	greeting world.WorldChange // 当前订阅的 on_load 快照，写协程读订阅前先发出
	lastSeq  int64
}

func (p *Player) location() (world.Coordinates, world.ChunkKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos, p.chunk
}

func (p *Player) subscription() *world.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sub
}

func (p *Player) moveTo(pos world.Coordinates) {
	p.mu.Lock()
	p.pos = pos
	p.mu.Unlock()
}

// switchChunk 切换到新区块的订阅并挂上其 on_load 快照，返回旧区块与旧订阅
func (p *Player) switchChunk(key world.ChunkKey, sub *world.Subscription, pos world.Coordinates, greeting world.WorldChange) (world.ChunkKey, *world.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	oldKey, oldSub := p.chunk, p.sub
	p.chunk, p.sub, p.pos, p.greeting = key, sub, pos, greeting
	return oldKey, oldSub
}

// takeSubscription 取当前订阅及尚未发出的快照（快照只交出一次）
func (p *Player) takeSubscription() (*world.Subscription, world.WorldChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.greeting
	p.greeting = world.WorldChange{}
	return p.sub, g
}

// acceptSeq 丢弃旧序列号的输入；seq<=0 表示客户端未编号
func (p *Player) acceptSeq(seq int64) bool {
	if seq <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq <= p.lastSeq {
		return false
	}
	p.lastSeq = seq
	return true
}

// attach 绑定已升级的连接；会话已被顶替时返回 false
func (p *Player) attach(conn sessionConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kicked {
		return false
	}
	p.conn = conn
	return true
}

func (p *Player) connection() sessionConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// pump 写协程：先发快照再依次消费当前订阅；迁移导致旧订阅终止时接着读新订阅。
// 旧订阅读空后才会发出新区块的快照，客户端不会在新快照之后收到旧区块的事件。
func (p *Player) pump(ctx context.Context) error {
	conn := p.connection()
	for {
		sub, greeting := p.takeSubscription()
		if !greeting.IsZero() {
			if err := conn.Send(ctx, greeting); err != nil {
				return fmt.Errorf("user %s: send %s: %w", p.ID, greeting.Kind(), err)
			}
		}
		if err := world.NewUser(p.ID, sub, conn).Run(ctx); err != nil {
			return err
		}
		if p.subscription() == sub {
			return nil
		}
	}
}

func (p *Player) isKicked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kicked
}

func (p *Player) kick(reason string) {
	p.mu.Lock()
	p.kicked = true
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.CloseWith(reason)
	}
}
