package notifier

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/dushixiang/vigil/internal/config"
	"github.com/dushixiang/vigil/internal/protocol"
	"github.com/valyala/fasttemplate"
	"gopkg.in/gomail.v2"
)

const defaultEmailTemplate = "{event}: {name} ({alias}) @ {location}"

// EmailNotifier 邮件通知渠道
type EmailNotifier struct {
	cfg  config.EmailNotifyConfig
	tpl  *fasttemplate.Template
	host string
	port int
}

func NewEmailNotifier(cfg config.EmailNotifyConfig) (*EmailNotifier, error) {
	host, portStr, err := net.SplitHostPort(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("邮件服务器地址无效: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("邮件服务器端口无效: %w", err)
	}
	body := cfg.Template
	if body == "" {
		body = defaultEmailTemplate
	}
	tpl, err := fasttemplate.NewTemplate(body, "{", "}")
	if err != nil {
		return nil, fmt.Errorf("邮件模板无效: %w", err)
	}
	return &EmailNotifier{cfg: cfg, tpl: tpl, host: host, port: port}, nil
}

func (n *EmailNotifier) Kind() string {
	return "email"
}

func (n *EmailNotifier) Notify(kind EventKind, stat *protocol.HostStat) error {
	body := n.tpl.ExecuteString(RenderContext(kind, stat))
	subject := n.cfg.Subject
	if subject == "" {
		subject = fmt.Sprintf("[%s] %s", kind.String(), stat.Name)
	}
	return n.send(subject, body)
}

func (n *EmailNotifier) NotifyTest() error {
	return n.send("通知渠道测试", "邮件通知配置有效")
}

func (n *EmailNotifier) send(subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.Username)
	m.SetHeader("To", strings.Split(n.cfg.To, ";")...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	d := gomail.NewDialer(n.host, n.port, n.cfg.Username, n.cfg.Password)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}
	return nil
}
