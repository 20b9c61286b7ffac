package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zorgworld/world"
)

// join 建立会话：登记玩家并注册到所在区块。
// 重复连接按配置策略拒绝或顶替旧会话。
func (s *Server) join(id string, pos world.Coordinates) (*Player, error) {
	pos = s.clamp(pos)
	p := &Player{ID: id}

	s.mu.Lock()
	old, exists := s.players[id]
	if exists && s.policy != world.DuplicateReplace {
		s.mu.Unlock()
		s.metrics.IncDuplicateRejected()
		return nil, fmt.Errorf("join %q: %w", id, errDuplicateSession)
	}
	s.players[id] = p
	s.mu.Unlock()
	if exists {
		old.kick("replaced by a new session")
	}

	key := s.chunks.KeyFor(pos)
	sub, err := s.register(id, key, pos)
	if err != nil {
		s.forget(p)
		if errors.Is(err, world.ErrDuplicateRegistration) {
			s.metrics.IncDuplicateRejected()
		}
		return nil, err
	}
	p.switchChunk(key, sub, pos, s.snapshot(id, key, pos))
	s.metrics.IncSessionsOpened()
	Log.Infow("player joined", "user", id, "chunk", key.String(), "at", pos.String())
	return p, nil
}

// register 注册到区块；区块恰好被回收时重试一次（会新建区块）
func (s *Server) register(id string, key world.ChunkKey, pos world.Coordinates) (*world.Subscription, error) {
	for attempt := 0; ; attempt++ {
		sub, err := s.chunks.GetOrCreate(key).AddObject(id, pos, nil)
		if errors.Is(err, world.ErrChunkClosed) && attempt == 0 {
			continue
		}
		return sub, err
	}
}

// snapshot 构造 on_load 快照（自身位置 + 区块内其他玩家），由写协程在读新订阅前发出
func (s *Server) snapshot(id string, key world.ChunkKey, pos world.Coordinates) world.WorldChange {
	var others []world.ObjectState
	if ch, ok := s.chunks.Get(key); ok {
		for _, o := range ch.Objects() {
			if o.ID != id {
				others = append(others, o)
			}
		}
	}
	// id 已通过注册校验，构造不会失败
	wc, _ := world.NewWorldChange(world.OnLoadSnapshot{ID: id, Coordinates: pos, Others: others})
	return wc
}

// leave 结束会话：注销订阅（已缓冲的变更仍会写完），并通知区块内其他玩家
func (s *Server) leave(p *Player) {
	_, key := p.location()
	sub := p.subscription()
	if ch, ok := s.chunks.Get(key); ok {
		ch.Release(p.ID, sub)
	}
	if sub != nil {
		sub.Close()
	}

	if s.forget(p) {
		if err := s.Publish(key, world.UserLeft{ID: p.ID}); err != nil {
			Log.Warnw("publish user_left failed", "user", p.ID, "err", err)
		}
	}
	s.metrics.IncSessionsClosed()
	Log.Infow("player left", "user", p.ID, "chunk", key.String())
}

// current p 是否仍是该 ID 的在线会话（未被顶替、未被踢出）
func (s *Server) current(p *Player) bool {
	if p.isKicked() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players[p.ID] == p
}

// forget 从会话表移除 p；已被新会话顶替时返回 false
func (s *Server) forget(p *Player) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.players[p.ID] != p {
		return false
	}
	delete(s.players, p.ID)
	return true
}

// OnInput 处理一条客户端输入（服务端权威解释意图）
func (s *Server) OnInput(ctx context.Context, p *Player, in InputMessage) {
	// 被顶替的旧会话在连接断开前可能还会读到输入，直接丢弃
	if !s.current(p) {
		return
	}
	switch strings.ToLower(in.Type) {
	case InputMove:
		dir := world.ParseDirection(strings.ToLower(in.Command))
		if dir == world.DirNone {
			s.metrics.IncInvalid()
			return
		}
		if !p.acceptSeq(in.Seq) {
			s.metrics.IncOldSeqIgnored()
			return
		}
		pos, _ := p.location()
		s.moveTo(p, s.applyMove(pos, dir))
	case InputMoveStart:
		dir := world.ParseDirection(strings.ToLower(in.Command))
		if dir == world.DirNone {
			s.metrics.IncInvalid()
			return
		}
		_, key := p.location()
		s.publishInput(key, world.MoveStart{ID: p.ID, Direction: dir})
	case InputMoveStop:
		pos, key := p.location()
		s.publishInput(key, world.MoveStop{ID: p.ID, Coordinates: pos})
	default:
		s.metrics.IncInvalid()
	}
}

func (s *Server) publishInput(key world.ChunkKey, change world.UserChange) {
	if err := s.Publish(key, change); err != nil {
		Log.Warnw("publish failed", "chunk", key.String(), "err", err)
		return
	}
	s.metrics.IncAccepted()
}

// moveTo 更新位置；跨越区块边界时先注册新区块再注销旧区块
func (s *Server) moveTo(p *Player, next world.Coordinates) {
	_, cur := p.location()
	key := s.chunks.KeyFor(next)
	if key == cur {
		p.moveTo(next)
		s.publishInput(cur, world.PositionChange{ID: p.ID, Coordinates: next})
		return
	}

	// 持有会话表锁完成注册：与顶替会话的 join 串行，旧会话不会覆盖新会话的注册
	s.mu.Lock()
	if s.players[p.ID] != p || p.isKicked() {
		s.mu.Unlock()
		return
	}
	sub, err := s.register(p.ID, key, next)
	s.mu.Unlock()
	if err != nil {
		Log.Warnw("chunk migration failed", "user", p.ID, "from", cur.String(), "to", key.String(), "err", err)
		return
	}
	oldKey, oldSub := p.switchChunk(key, sub, next, s.snapshot(p.ID, key, next))
	if ch, ok := s.chunks.Get(oldKey); ok {
		ch.Release(p.ID, oldSub)
	}
	s.metrics.IncMigrations()

	if err := s.Publish(oldKey, world.UserLeft{ID: p.ID}); err != nil {
		Log.Warnw("publish user_left failed", "user", p.ID, "err", err)
	}
	s.publishInput(key, world.PositionChange{ID: p.ID, Coordinates: next})
}

// applyMove 执行一次移动并进行越界裁剪
func (s *Server) applyMove(pos world.Coordinates, dir world.Direction) world.Coordinates {
	step := s.cfg.World.Step
	switch dir {
	case world.DirUp:
		pos.Y -= step
	case world.DirDown:
		pos.Y += step
	case world.DirLeft:
		pos.X -= step
	case world.DirRight:
		pos.X += step
	default:
		// no-op
	}
	return s.clamp(pos)
}

func (s *Server) clamp(pos world.Coordinates) world.Coordinates {
	if pos.X < 0 {
		pos.X = 0
	}
	if pos.Y < 0 {
		pos.Y = 0
	}
	if pos.X > s.cfg.World.Width {
		pos.X = s.cfg.World.Width
	}
	if pos.Y > s.cfg.World.Height {
		pos.Y = s.cfg.World.Height
	}
	return pos
}
