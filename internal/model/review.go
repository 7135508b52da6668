package model

import "time"

type ReviewPrompt struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	RequestID    string    `json:"requestId"`
	RequestTitle string    `json:"requestTitle"`
	RevieweeID   string    `json:"revieweeId"`
	Consumed     bool      `json:"consumed"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (p ReviewPrompt) Equal(o ReviewPrompt) bool {
	return p.ID == o.ID &&
		p.UserID == o.UserID &&
		p.RequestID == o.RequestID &&
		p.RequestTitle == o.RequestTitle &&
		p.RevieweeID == o.RevieweeID &&
		p.Consumed == o.Consumed &&
		p.CreatedAt.Equal(o.CreatedAt)
}

type ChatMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m ChatMessage) Equal(o ChatMessage) bool {
	return m.ID == o.ID &&
		m.ChatID == o.ChatID &&
		m.SenderID == o.SenderID &&
		m.Body == o.Body &&
		m.CreatedAt.Equal(o.CreatedAt)
}
