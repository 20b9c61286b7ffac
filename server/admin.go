package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"zorgworld/world"
)

// HandleAdminConfig 返回当前生效的配置（只读；区块参数在创建时固定）
// GET /admin/config
func (s *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.cfg)
}

// HandleMetrics 输出服务与区块的运行指标
// GET /metrics            全部区块
// GET /metrics?chunk=1:2  指定区块
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var chunks []world.ChunkStats
	if raw := r.URL.Query().Get("chunk"); raw != "" {
		key, err := parseChunkKey(raw)
		if err != nil {
			http.Error(w, "invalid chunk, want x:y", http.StatusBadRequest)
			return
		}
		ch, ok := s.chunks.Get(key)
		if !ok {
			http.Error(w, "chunk not found", http.StatusNotFound)
			return
		}
		chunks = []world.ChunkStats{ch.Stats()}
	} else {
		chunks = s.chunks.Stats()
	}

	writeJSON(w, map[string]any{
		"server": s.metrics.Snapshot(),
		"chunks": chunks,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func parseChunkKey(s string) (world.ChunkKey, error) {
	xs, ys, ok := strings.Cut(s, ":")
	if !ok {
		return world.ChunkKey{}, strconv.ErrSyntax
	}
	x, err := strconv.ParseInt(strings.TrimSpace(xs), 10, 32)
	if err != nil {
		return world.ChunkKey{}, err
	}
	y, err := strconv.ParseInt(strings.TrimSpace(ys), 10, 32)
	if err != nil {
		return world.ChunkKey{}, err
	}
	return world.ChunkKey{X: int32(x), Y: int32(y)}, nil
}
