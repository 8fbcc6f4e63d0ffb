package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 預設的頻道與清單名稱
const (
	DefaultAlertChannel = "button-agent:alerts"
	DefaultProposalList = "button-agent:proposals"
)

// RedisClient RedisNotifier 使用到的命令（*redis.Client 滿足此介面）
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// RedisNotifier 將警示 PUBLISH 到頻道、提議 LPUSH 到清單
type RedisNotifier struct {
	client       RedisClient
	alertChannel string
	proposalList string
}

// NewRedisClient 依位址建立 go-redis 客戶端
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// NewRedisNotifier 建立 RedisNotifier；空字串使用預設名稱
func NewRedisNotifier(client RedisClient, alertChannel, proposalList string) *RedisNotifier {
	if alertChannel == "" {
		alertChannel = DefaultAlertChannel
	}
	if proposalList == "" {
		proposalList = DefaultProposalList
	}
	return &RedisNotifier{client: client, alertChannel: alertChannel, proposalList: proposalList}
}

// Alert 發布警示
func (n *RedisNotifier) Alert(ctx context.Context, e AlertEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.alertChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish alert: %w", err)
	}
	return nil
}

// Propose 推入提議
func (n *RedisNotifier) Propose(ctx context.Context, p Proposal) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := n.client.LPush(ctx, n.proposalList, payload).Err(); err != nil {
		return fmt.Errorf("redis push proposal: %w", err)
	}
	return nil
}

// Close 關閉底層連線
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
