// Package queue 订单落库任务的持久化链路：
// API 原子写入 Redis Stream outbox，Relay 异步转发 Kafka，消费者组执行落库。
// 与进程内队列相比，任务在进程崩溃后仍可恢复，回答了「任务丢失」的弱一致窗口问题。
package queue

import (
	"fmt"
	"strconv"

	"voucher_rush/internal/seckill"
)

// validateTask 做最小字段校验，防止消费者处理脏消息。
func validateTask(t seckill.OrderTask) error {
	if t.OrderID <= 0 {
		return fmt.Errorf("order_id is required")
	}
	if t.UserID == 0 {
		return fmt.Errorf("user_id is required")
	}
	if t.VoucherID == 0 {
		return fmt.Errorf("voucher_id is required")
	}
	if t.Amount < 0 {
		return fmt.Errorf("amount must be >= 0")
	}
	return nil
}

// taskToStreamValues 将任务展开成 Stream 条目字段。
func taskToStreamValues(t seckill.OrderTask) map[string]interface{} {
	return map[string]interface{}{
		"order_id":   t.OrderID,
		"user_id":    t.UserID,
		"voucher_id": t.VoucherID,
		"amount":     t.Amount,
	}
}

// parseStreamTask 从 Stream 条目字段还原任务。
func parseStreamTask(values map[string]interface{}) (seckill.OrderTask, error) {
	orderStr, err := getStreamString(values, "order_id")
	if err != nil {
		return seckill.OrderTask{}, err
	}
	userStr, err := getStreamString(values, "user_id")
	if err != nil {
		return seckill.OrderTask{}, err
	}
	voucherStr, err := getStreamString(values, "voucher_id")
	if err != nil {
		return seckill.OrderTask{}, err
	}
	amountStr, err := getStreamString(values, "amount")
	if err != nil {
		return seckill.OrderTask{}, err
	}

	orderID, err := strconv.ParseInt(orderStr, 10, 64)
	if err != nil {
		return seckill.OrderTask{}, fmt.Errorf("invalid order_id %q", orderStr)
	}
	userID, err := strconv.ParseUint(userStr, 10, 64)
	if err != nil {
		return seckill.OrderTask{}, fmt.Errorf("invalid user_id %q", userStr)
	}
	voucherID, err := strconv.ParseUint(voucherStr, 10, 64)
	if err != nil {
		return seckill.OrderTask{}, fmt.Errorf("invalid voucher_id %q", voucherStr)
	}
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return seckill.OrderTask{}, fmt.Errorf("invalid amount %q", amountStr)
	}

	task := seckill.OrderTask{
		OrderID:   orderID,
		UserID:    userID,
		VoucherID: voucherID,
		Amount:    amount,
	}
	if err := validateTask(task); err != nil {
		return seckill.OrderTask{}, err
	}
	return task, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
