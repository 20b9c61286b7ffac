package server

import (
	"context"
	"time"
)

// RunJanitor 周期性回收空闲区块并输出指标日志，ctx 取消时返回
func (s *Server) RunJanitor(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Janitor.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep 单次回收：无观察者超过 IdleTTL 的区块被销毁
func (s *Server) sweep(now time.Time) {
	removed := s.chunks.RemoveIdle(now, s.cfg.Janitor.IdleTTL)
	for _, key := range removed {
		Log.Debugw("idle chunk reclaimed", "chunk", key.String())
	}
	Log.Infow("janitor sweep",
		"chunks", s.chunks.Len(),
		"reclaimed", len(removed),
		"metrics", s.metrics.Snapshot(),
	)
}
