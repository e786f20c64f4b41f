// Package notify delivers request events to users who have no socket
// attached, through an FCM-style HTTP push endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/care-sync/internal/models"
)

type Notification struct {
	Event     string        `json:"event"`
	RequestID string        `json:"requestId"`
	Status    models.Status `json:"status,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// FCM posts HTTP v1 style messages addressed to a per-user topic.
type FCM struct {
	Endpoint string
	Key      string
	Client   *http.Client
	Attempts int
	Delay    time.Duration
	logger   *slog.Logger
}

func NewFCM(endpoint, key string, logger *slog.Logger) *FCM {
	return &FCM{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Attempts: 3,
		Delay:    500 * time.Millisecond,
		logger:   logger.With("component", "notify"),
	}
}

// Topic is the push topic a user's devices subscribe to.
func Topic(userID string) string { return "user-" + userID }

type message struct {
	Message struct {
		Topic string            `json:"topic"`
		Data  map[string]string `json:"data"`
	} `json:"message"`
}

// Notify retries transport failures and 5xx answers; 4xx answers are final.
func (f *FCM) Notify(ctx context.Context, userID string, n Notification) error {
	var m message
	m.Message.Topic = Topic(userID)
	m.Message.Data = map[string]string{"event": n.Event, "requestId": n.RequestID}
	if n.Status != "" {
		m.Message.Data["status"] = string(n.Status)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}

	attempts := f.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(f.Delay), uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if f.Key != "" {
			req.Header.Set("Authorization", "Bearer "+f.Key)
		}
		resp, err := f.Client.Do(req)
		if err != nil {
			f.logger.Debug("push attempt failed", "user_id", userID, "error", err)
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("push rejected with %d", resp.StatusCode))
		}
		return nil
	}, policy)
}
