package server

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/sasha-s/go-deadlock"

	"zorgworld/world"
)

// ChunkManager 管理区块的生命周期：按需创建、空闲回收
type ChunkManager struct {
	mu        deadlock.RWMutex
	chunks    map[world.ChunkKey]*world.Chunk
	chunkSize float64
	opts      []world.ChunkOption
}

// NewChunkManager chunkSize 为区块边长（世界单位），opts 用于每个新建区块
func NewChunkManager(chunkSize float64, opts ...world.ChunkOption) *ChunkManager {
	return &ChunkManager{
		chunks:    make(map[world.ChunkKey]*world.Chunk),
		chunkSize: chunkSize,
		opts:      opts,
	}
}

// KeyFor 世界坐标所在的区块
func (m *ChunkManager) KeyFor(c world.Coordinates) world.ChunkKey {
	return world.ChunkKey{
		X: int32(math.Floor(c.X / m.chunkSize)),
		Y: int32(math.Floor(c.Y / m.chunkSize)),
	}
}

// GetOrCreate 获取或创建区块
func (m *ChunkManager) GetOrCreate(key world.ChunkKey) *world.Chunk {
	m.mu.RLock()
	ch := m.chunks[key]
	m.mu.RUnlock()
	if ch != nil {
		return ch
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// 加写锁后再查一次，防止并发重复创建
	if ch = m.chunks[key]; ch == nil {
		ch = world.NewChunk(key, m.opts...)
		m.chunks[key] = ch
		Log.Debugw("chunk created", "chunk", key.String())
	}
	return ch
}

func (m *ChunkManager) Get(key world.ChunkKey) (*world.Chunk, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.chunks[key]
	return ch, ok
}

func (m *ChunkManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// Chunks 当前所有区块（按坐标排序）
func (m *ChunkManager) Chunks() []*world.Chunk {
	m.mu.RLock()
	out := make([]*world.Chunk, 0, len(m.chunks))
	for _, ch := range m.chunks {
		out = append(out, ch)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *world.Chunk) int {
		ka, kb := a.Key(), b.Key()
		if c := cmp.Compare(ka.X, kb.X); c != 0 {
			return c
		}
		return cmp.Compare(ka.Y, kb.Y)
	})
	return out
}

// Stats 所有区块的指标快照
func (m *ChunkManager) Stats() []world.ChunkStats {
	chunks := m.Chunks()
	out := make([]world.ChunkStats, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, ch.Stats())
	}
	return out
}

// RemoveIdle 销毁无观察者时间超过 ttl 的区块，返回被移除的区块坐标
func (m *ChunkManager) RemoveIdle(now time.Time, ttl time.Duration) []world.ChunkKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []world.ChunkKey
	for key, ch := range m.chunks {
		if !ch.CloseIfIdle(now, ttl) {
			continue
		}
		delete(m.chunks, key)
		removed = append(removed, key)
	}
	return removed
}

// CloseAll 销毁全部区块（停服时）
func (m *ChunkManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ch := range m.chunks {
		ch.Close()
		delete(m.chunks, key)
	}
}
