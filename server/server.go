package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sasha-s/go-deadlock"

	"zorgworld/world"
)

// Server 把区块核心接到 HTTP/WebSocket 上：会话管理、输入处理、管理与监控接口
type Server struct {
	cfg     Config
	policy  world.DuplicatePolicy
	chunks  *ChunkManager
	journal *Journal
	metrics *Metrics

	upgrader websocket.Upgrader

	mu      deadlock.Mutex
	players map[string]*Player
}

// NewServer 按配置创建服务；cfg 应已经过 LoadConfig 或 Normalize+Validate
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new server: %w", err)
	}
	policy := cfg.DuplicatePolicy()
	s := &Server{
		cfg:     cfg,
		policy:  policy,
		metrics: &Metrics{},
		players: make(map[string]*Player),
		chunks: NewChunkManager(cfg.World.ChunkSize,
			world.WithReplayCapacity(cfg.World.ReplayCapacity),
			world.WithDuplicatePolicy(policy),
			world.WithLogger(Log.Desugar()),
		),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WS.ReadBufferSize,
			WriteBufferSize: cfg.WS.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// 演示环境：允许所有来源（生产环境需严格限制）
				return true
			},
		},
	}
	if cfg.Journal.Enabled {
		s.journal = NewJournal(cfg.Journal.Dir)
	}
	return s, nil
}

func (s *Server) Config() Config        { return s.cfg }
func (s *Server) Chunks() *ChunkManager { return s.chunks }
func (s *Server) Metrics() *Metrics     { return s.metrics }

// Handler 路由：/ws 会话，/admin/config 配置，/metrics 指标，/healthz 存活
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	mux.HandleFunc("/admin/config", s.HandleAdminConfig)
	mux.HandleFunc("/metrics", s.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Close 踢掉所有会话、销毁全部区块并关闭变更日志
func (s *Server) Close() error {
	s.mu.Lock()
	players := make([]*Player, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p)
	}
	s.mu.Unlock()
	for _, p := range players {
		p.kick("server shutting down")
	}

	s.chunks.CloseAll()
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			return fmt.Errorf("close journal: %w", err)
		}
	}
	return nil
}

// Publish 构造变更并投递给 key 对应区块的所有观察者；区块不存在时只记日志
func (s *Server) Publish(key world.ChunkKey, change world.UserChange) error {
	wc, err := world.NewWorldChange(change)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", key, err)
	}
	if ch, ok := s.chunks.Get(key); ok {
		ch.NotifyUsers(wc)
	}
	if s.journal != nil {
		if err := s.journal.Record(key, wc); err != nil {
			s.metrics.IncJournalErrors()
			Log.Warnw("journal write failed", "chunk", key.String(), "err", err)
		}
	}
	return nil
}

var errDuplicateSession = errors.New("user already connected")
