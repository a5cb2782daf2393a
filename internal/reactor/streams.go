package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishJSON 发布 JSON 消息到 Redis Streams（"data" + "timestamp" 两个字段）
func PublishJSON(ctx context.Context, client *redis.Client, stream string, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":      string(jsonBytes),
			"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		},
	}).Result()
}

// ReadGroup 从 Redis Streams 读取消息；阻塞超时返回空切片
func ReadGroup(ctx context.Context, client *redis.Client, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []StreamMessage{}, nil
		}
		return nil, err
	}

	var messages []StreamMessage
	for _, s := range streams {
		for _, msg := range s.Messages {
			messages = append(messages, StreamMessage{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}
	return messages, nil
}

// EnsureGroup 创建消费者组（stream 不存在时一并创建），组已存在不算错误
//
// 新建的组从 "$" 开始，只接收创建之后的消息；历史状态由调用方从存储加载。
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// decodeData 解析消息 "data" 字段中的 JSON
func decodeData(msg StreamMessage, out interface{}) error {
	raw, ok := msg.Values["data"]
	if !ok {
		return fmt.Errorf("message %s has no data field", msg.ID)
	}
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("message %s has unexpected data type %T", msg.ID, raw)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("failed to unmarshal message %s: %w", msg.ID, err)
	}
	return nil
}
