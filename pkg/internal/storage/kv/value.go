package kv

import (
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// lockValue 写入锁 key 的值，Token 用于校验释放者.
type lockValue struct {
	Token      string    `json:"token"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

var owner = func() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return fmt.Sprintf("%s:%d", host, os.Getpid())
}()

func newLockValue(now time.Time, ttl time.Duration) lockValue {
	return lockValue{
		Token:      uuid.NewString(),
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

func encodeLockValue(v lockValue) ([]byte, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal lock value: %w", err)
	}

	return b, nil
}

func decodeLockValue(b []byte) (lockValue, error) {
	var v lockValue
	if err := sonic.Unmarshal(b, &v); err != nil {
		return lockValue{}, fmt.Errorf("unmarshal lock value: %w", err)
	}

	return v, nil
}
