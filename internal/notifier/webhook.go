package notifier

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dushixiang/vigil/internal/config"
	"github.com/dushixiang/vigil/internal/protocol"
	"github.com/jpillora/backoff"
	"github.com/valyala/fasttemplate"
)

const defaultWebhookTemplate = `{"event":"{event}","name":"{name}","alias":"{alias}","location":"{location}"}`

const webhookMaxAttempts = 3

// WebhookNotifier HTTP 回调通知渠道，失败时指数退避重试
type WebhookNotifier struct {
	cfg    config.WebhookNotifyConfig
	tpl    *fasttemplate.Template
	client *http.Client
}

func NewWebhookNotifier(cfg config.WebhookNotifyConfig) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook 地址不能为空")
	}
	body := cfg.Template
	if body == "" {
		body = defaultWebhookTemplate
	}
	tpl, err := fasttemplate.NewTemplate(body, "{", "}")
	if err != nil {
		return nil, fmt.Errorf("webhook 模板无效: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		cfg:    cfg,
		tpl:    tpl,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (n *WebhookNotifier) Kind() string {
	return "webhook"
}

func (n *WebhookNotifier) Notify(kind EventKind, stat *protocol.HostStat) error {
	body := n.tpl.ExecuteString(RenderContext(kind, stat))
	return n.post(body)
}

func (n *WebhookNotifier) NotifyTest() error {
	return n.post(`{"event":"Test"}`)
}

func (n *WebhookNotifier) post(body string) error {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt < webhookMaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(b.Duration())
		}
		lastErr = n.doPost(body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook 重试 %d 次后仍失败: %w", webhookMaxAttempts, lastErr)
}

func (n *WebhookNotifier) doPost(body string) error {
	resp, err := n.client.Post(n.cfg.URL, "application/json", strings.NewReader(body))
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}
