package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FCMPush posts JSON to an FCM HTTPv1 endpoint using a server key or oauth
// token. Selectable via config for deployments that register FCM tokens
// instead of Expo ones.
type FCMPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPush(endpoint, key string) *FCMPush {
	return &FCMPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPush) Send(ctx context.Context, token, title, body string, data map[string]any) error {
	payload := map[string]any{
		"message": map[string]any{
			"token": token,
			"notification": map[string]any{
				"title": title,
				"body":  body,
			},
			"data": data,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm status %d", resp.StatusCode)
	}
	return nil
}
