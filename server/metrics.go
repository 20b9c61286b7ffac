package server

import (
	"sync/atomic"
)

// Metrics 记录服务运行期的关键指标（用于监控与调试）
type Metrics struct {
	SessionsOpened    int64 // 建立的会话数
	SessionsClosed    int64 // 结束的会话数
	InputsAccepted    int64 // 被接受的输入数
	InputsInvalid     int64 // 无法解析或类型未知的输入数
	OldSeqIgnored     int64 // 因旧序列被忽略的输入数
	Migrations        int64 // 跨区块迁移次数
	DuplicateRejected int64 // 因重复连接被拒绝的会话数
	JournalErrors     int64 // 变更日志写入失败次数
}

func (m *Metrics) IncSessionsOpened()    { atomic.AddInt64(&m.SessionsOpened, 1) }
func (m *Metrics) IncSessionsClosed()    { atomic.AddInt64(&m.SessionsClosed, 1) }
func (m *Metrics) IncAccepted()          { atomic.AddInt64(&m.InputsAccepted, 1) }
func (m *Metrics) IncInvalid()           { atomic.AddInt64(&m.InputsInvalid, 1) }
func (m *Metrics) IncOldSeqIgnored()     { atomic.AddInt64(&m.OldSeqIgnored, 1) }
func (m *Metrics) IncMigrations()        { atomic.AddInt64(&m.Migrations, 1) }
func (m *Metrics) IncDuplicateRejected() { atomic.AddInt64(&m.DuplicateRejected, 1) }
func (m *Metrics) IncJournalErrors()     { atomic.AddInt64(&m.JournalErrors, 1) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	opened := atomic.LoadInt64(&m.SessionsOpened)
	closed := atomic.LoadInt64(&m.SessionsClosed)
	return map[string]any{
		"sessions_opened":    opened,
		"sessions_closed":    closed,
		"sessions_active":    opened - closed,
		"inputs_accepted":    atomic.LoadInt64(&m.InputsAccepted),
		"inputs_invalid":     atomic.LoadInt64(&m.InputsInvalid),
		"old_seq_ignored":    atomic.LoadInt64(&m.OldSeqIgnored),
		"migrations":         atomic.LoadInt64(&m.Migrations),
		"duplicate_rejected": atomic.LoadInt64(&m.DuplicateRejected),
		"journal_errors":     atomic.LoadInt64(&m.JournalErrors),
	}
}
