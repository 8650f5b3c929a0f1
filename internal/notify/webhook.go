package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts failures as JSON to URL. Kinds restricts delivery to the
// listed error kinds; empty means all.
type Webhook struct {
	URL     string
	Secret  string
	Kinds   []string
	Timeout time.Duration
	Client  *http.Client
}

type webhookEvent struct {
	Type    string  `json:"type"`
	Failure Failure `json:"failure"`
}

func (w *Webhook) Notify(ctx context.Context, f Failure) error {
	if strings.TrimSpace(w.URL) == "" {
		return nil
	}
	if !newKindFilter(w.Kinds).match(f.Kind) {
		return nil
	}
	data, err := json.Marshal(webhookEvent{Type: "task.failed", Failure: f})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Deltasync-Event", "task.failed")
	req.Header.Set("X-Deltasync-Delivery", f.TaskID)
	req.Header.Set("X-Deltasync-Environment", f.Environment)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Deltasync-Secret", w.Secret)
	}
	res, err := w.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

func (w *Webhook) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	w.Client = &http.Client{Timeout: timeout}
	return w.Client
}

type kindFilter struct {
	all bool
	set map[string]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
