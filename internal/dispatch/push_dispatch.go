package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ExpoPush sends messages through an Expo-style push endpoint: one JSON
// document per message, the receipt status embedded in the response body.
type ExpoPush struct {
	Endpoint string
	Client   *http.Client
}

func NewExpoPush(endpoint string) *ExpoPush {
	return &ExpoPush{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *ExpoPush) Send(ctx context.Context, token, title, body string, data map[string]any) error {
	msg := map[string]any{
		"to":    token,
		"sound": "default",
		"title": title,
		"body":  body,
		"data":  data,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var out struct {
		Data struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if out.Data.Status != "ok" {
		return fmt.Errorf("push rejected: %s", out.Data.Message)
	}
	return nil
}
