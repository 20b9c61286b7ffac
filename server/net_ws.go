package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sasha-s/go-deadlock"

	"zorgworld/world"
)

// ClientConn 负责把变更写到客户端的轻量包装，实现 world.Communicator
type ClientConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        deadlock.Mutex // 串行化数据帧写入
	closeOnce sync.Once
}

func NewClientConn(ws *websocket.Conn, writeTimeout time.Duration) *ClientConn {
	return &ClientConn{ws: ws, writeTimeout: writeTimeout}
}

// Send 以 JSON 文本帧写出一条变更
func (c *ClientConn) Send(ctx context.Context, change world.WorldChange) error {
	b, err := json.Marshal(change)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// CloseWith 发送关闭帧并关闭底层连接（只执行一次）
func (c *ClientConn) CloseWith(reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

// pingLoop 定期发送 ping，客户端的 pong 会刷新读超时
func (c *ClientConn) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readPump 读取客户端输入，交给 OnInput 处理
func (s *Server) readPump(ctx context.Context, p *Player, ws *websocket.Conn) {
	readTimeout := s.cfg.WS.ReadTimeout
	ws.SetReadLimit(s.cfg.WS.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(readTimeout)) })

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		var im InputMessage
		if err := json.Unmarshal(payload, &im); err != nil {
			s.metrics.IncInvalid()
			continue
		}
		s.OnInput(ctx, p, im)
	}
}

// HandleWS WebSocket 接入：/ws?user=alice&x=10&y=20
// user 缺省时生成 ULID；x/y 缺省时出生在世界中心。
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user"))
	if userID == "" {
		userID = ulid.Make().String()
	}
	pos, err := s.spawnPosition(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// 先注册再升级：事件在写协程启动前由订阅缓冲
	p, err := s.join(userID, pos)
	if err != nil {
		if errors.Is(err, errDuplicateSession) || errors.Is(err, world.ErrDuplicateRegistration) {
			http.Error(w, "user already connected", http.StatusConflict)
			return
		}
		Log.Errorw("join failed", "user", userID, "err", err)
		http.Error(w, "join failed", http.StatusInternalServerError)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnw("upgrade error", "user", userID, "err", err)
		s.leave(p)
		return
	}
	defer ws.Close()

	conn := NewClientConn(ws, s.cfg.WS.WriteTimeout)
	if !p.attach(conn) {
		conn.CloseWith("replaced by a new session")
		s.leave(p)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pos, key := p.location()
	if err := s.Publish(key, world.PositionChange{ID: userID, Coordinates: pos}); err != nil {
		Log.Warnw("publish join position failed", "user", userID, "err", err)
	}

	// 写协程：先发 on_load，再消费订阅直到注销后读空；结束时总是关闭连接
	pumpDone := make(chan error, 1)
	go func() {
		err := p.pump(ctx)
		conn.CloseWith("session ended")
		pumpDone <- err
	}()
	go conn.pingLoop(ctx, s.cfg.WS.ReadTimeout*9/10)

	s.readPump(ctx, p, ws)
	s.leave(p)

	// 尽量把剩余的缓冲写完再关闭连接
	select {
	case err := <-pumpDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			Log.Debugw("write pump stopped", "user", userID, "err", err)
		}
	case <-time.After(s.cfg.WS.WriteTimeout):
		cancel()
	}
	conn.CloseWith("bye")
}

// spawnPosition 解析出生点，缺省为世界中心
func (s *Server) spawnPosition(q url.Values) (world.Coordinates, error) {
	pos := world.Coordinates{X: s.cfg.World.Width / 2, Y: s.cfg.World.Height / 2}
	for _, f := range []struct {
		name string
		dst  *float64
	}{{"x", &pos.X}, {"y", &pos.Y}} {
		raw := q.Get(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return pos, fmt.Errorf("invalid %s: %q", f.name, raw)
		}
		*f.dst = v
	}
	return s.clamp(pos), nil
}
