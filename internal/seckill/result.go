package seckill

import "errors"

// Reason 秒杀请求的结果标签。除 ReasonOK 外均为面向用户的拒绝原因；
// 基础设施故障不走 Reason，以 error 形式向上传播。
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonVoucherNotFound   Reason = "voucher-not-found"
	ReasonNotStarted        Reason = "not-yet-started"
	ReasonEnded             Reason = "ended"
	ReasonInsufficientStock Reason = "insufficient-stock"
	ReasonDuplicate         Reason = "duplicate"
	// ReasonBusy 订单队列饱和，预占已回滚，请稍后重试。
	ReasonBusy Reason = "busy"
)

// Result 秒杀请求的返回值。Reason 为 ReasonOK 时 OrderID 有效。
type Result struct {
	OrderID int64  `json:"order_id,omitempty"`
	Reason  Reason `json:"reason"`
}

func (r Result) OK() bool { return r.Reason == ReasonOK }

// 落库阶段（兜底复核）的预期失败，由 worker 记录日志后丢弃任务。
var (
	ErrQueueFull      = errors.New("seckill: order queue full")
	ErrLockContended  = errors.New("seckill: user order lock contended")
	ErrDuplicateOrder = errors.New("seckill: order already exists")
	ErrOutOfStock     = errors.New("seckill: durable stock exhausted")
)
