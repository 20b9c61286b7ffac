package server

import (
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
)

// ConfigureLockDiagnostics 设置 go-deadlock：关闭时退化为普通互斥锁；
// 开启时把疑似死锁报告写入日志，而不是退出进程。
func ConfigureLockDiagnostics(cfg DebugConfig) {
	deadlock.Opts.Disable = !cfg.DetectDeadlocks
	deadlock.Opts.DisableLockOrderDetection = !cfg.DetectDeadlocks
	deadlock.Opts.DeadlockTimeout = cfg.DeadlockTimeout
	deadlock.Opts.LogBuf = zap.NewStdLog(Log.Desugar()).Writer()
	deadlock.Opts.OnPotentialDeadlock = func() {
		Log.Error("potential deadlock detected")
	}
}
