package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const pushbulletAPI = "https://api.pushbullet.com/v2"

// Pushbullet delivers notes through the Pushbullet REST API. An optional
// device nickname is resolved to its iden on first use and cached for the
// process lifetime.
type Pushbullet struct {
	apiKey  string
	device  string
	baseURL string
	client  *http.Client

	mu         sync.Mutex
	deviceIden string
}

func NewPushbullet(apiKey, device string) *Pushbullet {
	return &Pushbullet{
		apiKey:  apiKey,
		device:  device,
		baseURL: pushbulletAPI,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Pushbullet) Name() string { return "pushbullet" }

func (p *Pushbullet) Send(ctx context.Context, title, body, site string) error {
	payload := map[string]string{
		"type":  "note",
		"title": title,
		"body":  body,
	}
	if p.device != "" {
		iden, err := p.resolveDevice(ctx)
		if err != nil {
			return err
		}
		payload["device_iden"] = iden
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/pushes", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Access-Token", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pushbullet push: status %d", resp.StatusCode)
	}
	return nil
}

func (p *Pushbullet) resolveDevice(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deviceIden != "" {
		return p.deviceIden, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/devices", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Access-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("pushbullet devices: status %d", resp.StatusCode)
	}

	var out struct {
		Devices []struct {
			Iden     string `json:"iden"`
			Nickname string `json:"nickname"`
			Active   bool   `json:"active"`
		} `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	for _, d := range out.Devices {
		if d.Active && d.Nickname == p.device {
			p.deviceIden = d.Iden
			return d.Iden, nil
		}
	}
	return "", fmt.Errorf("pushbullet device %q not found", p.device)
}
