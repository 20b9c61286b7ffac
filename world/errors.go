package world

import "errors"

var (
	// ErrDuplicateRegistration 同一 userID 重复注册（拒绝策略下返回）
	ErrDuplicateRegistration = errors.New("world: user already registered in chunk")
	// ErrNilChange 构造 WorldChange 时内部变更为空
	ErrNilChange = errors.New("world: nil user change")
	// ErrEmptyUserID 用户 ID 为空
	ErrEmptyUserID = errors.New("world: empty user id")
	// ErrSubscriptionClosed 订阅已关闭（且已读完）
	ErrSubscriptionClosed = errors.New("world: subscription closed")
	// ErrChunkClosed 区块已销毁
	ErrChunkClosed = errors.New("world: chunk closed")
)
