package world

import (
	"context"
	"errors"
	"fmt"
)

// Communicator 用户的出站通道（由网络层实现），负责把变更发往远端客户端
type Communicator interface {
	Send(ctx context.Context, change WorldChange) error
}

// CommunicatorFunc 函数适配器
type CommunicatorFunc func(ctx context.Context, change WorldChange) error

func (f CommunicatorFunc) Send(ctx context.Context, change WorldChange) error { return f(ctx, change) }

// User 将用户身份、其订阅与出站通道绑定在一起。
// User 只读取自己的订阅；注册与注销总是通过区块完成。
type User struct {
	id   string
	sub  *Subscription
	comm Communicator
}

func NewUser(id string, sub *Subscription, comm Communicator) *User {
	return &User{id: id, sub: sub, comm: comm}
}

func (u *User) ID() string                  { return u.id }
func (u *User) Subscription() *Subscription { return u.sub }

// Run 消费循环：按顺序读出订阅中的变更并交给 Communicator。
// 订阅终止时返回 nil；ctx 取消返回 ctx.Err()；发送失败返回包装后的错误。
func (u *User) Run(ctx context.Context) error {
	for {
		change, err := u.sub.Next(ctx)
		if errors.Is(err, ErrSubscriptionClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := u.comm.Send(ctx, change); err != nil {
			return fmt.Errorf("user %s: send %s: %w", u.id, change.Kind(), err)
		}
	}
}
