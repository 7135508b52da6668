// Package chat stores the short message log of each request's participants.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"neighborly/api/internal/model"
	"neighborly/api/internal/util"
)

const DefaultHistoryMax = 200

var ErrEmptyBody = errors.New("message body is empty")

// Log keeps the newest messages of every chat in a capped Redis list.
type Log struct {
	client *redis.Client
	prefix string
	max    int64
	now    func() time.Time
}

func NewLog(client *redis.Client, historyMax int) *Log {
	if historyMax <= 0 {
		historyMax = DefaultHistoryMax
	}
	return &Log{client: client, prefix: "chat:", max: int64(historyMax), now: time.Now}
}

func (l *Log) key(chatID string) string {
	return l.prefix + chatID
}

// Append stores a message and trims the chat to the configured length.
func (l *Log) Append(ctx context.Context, chatID, senderID, body string) (model.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return model.ChatMessage{}, ErrEmptyBody
	}
	at := l.now().UTC()
	message := model.ChatMessage{
		ID:        util.NewSortableID(at),
		ChatID:    chatID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: at,
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("encode message: %w", err)
	}

	key := l.key(chatID)
	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -l.max, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	return message, nil
}

// List returns the stored messages of chatID, oldest first.
func (l *Log) List(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	raw, err := l.client.LRange(ctx, l.key(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messages := make([]model.ChatMessage, 0, len(raw))
	for _, entry := range raw {
		var message model.ChatMessage
		if err := json.Unmarshal([]byte(entry), &message); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// Drop removes the whole log of chatID.
func (l *Log) Drop(ctx context.Context, chatID string) error {
	if err := l.client.Del(ctx, l.key(chatID)).Err(); err != nil {
		return fmt.Errorf("drop chat: %w", err)
	}
	return nil
}
