package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 应用配置（主机注册表 + 全局参数 + 通知配置）
type Config struct {
	HTTPAddr string `yaml:"http_addr"` // HTTP 监听地址

	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`

	OfflineThreshold uint64 `yaml:"offline_threshold"` // 静默多少秒后判定下线
	NotifyInterval   uint64 `yaml:"notify_interval"`   // 通知去抖间隔（秒）
	GroupGC          uint64 `yaml:"group_gc"`          // 组内主机多少秒不活跃后回收
	RetentionDays    int    `yaml:"retention_days"`    // 原始数据保留天数

	Hosts  []*Host  `yaml:"hosts"`
	Groups []*Group `yaml:"groups"`

	Notify NotifyConfig `yaml:"notify"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `yaml:"path"` // SQLite 文件路径
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // 为空则输出到标准输出
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Host 主机注册表条目（静态配置，运行期由协调引擎补充计数器锚点）
type Host struct {
	Name       string `yaml:"name"`
	Password   string `yaml:"password"`
	Alias      string `yaml:"alias"`
	GID        string `yaml:"gid"`
	Location   string `yaml:"location"`
	Type       string `yaml:"type"`
	Weight     uint64 `yaml:"weight"`
	Pos        int    `yaml:"pos"`
	Notify     bool   `yaml:"notify"`
	Disabled   bool   `yaml:"disabled"`
	MonthStart int    `yaml:"monthstart"` // 每月流量重置日（1-28，0 表示不重置）
	Labels     string `yaml:"labels"`     // k=v;k=v 形式

	// 运行期状态，不从配置文件读取
	LastNetworkIn  uint64 `yaml:"-"`
	LastNetworkOut uint64 `yaml:"-"`
	LatestTS       uint64 `yaml:"-"`
}

// Group 主机组模板，首次上报时动态实例化主机配置
type Group struct {
	GID        string `yaml:"gid"`
	Password   string `yaml:"password"`
	Location   string `yaml:"location"`
	Type       string `yaml:"type"`
	Weight     uint64 `yaml:"weight"`
	Notify     bool   `yaml:"notify"`
	MonthStart int    `yaml:"monthstart"`
	Labels     string `yaml:"labels"`
}

// InstHost 以组模板实例化一个主机配置
func (g *Group) InstHost(name string) *Host {
	return &Host{
		Name:       name,
		Password:   g.Password,
		GID:        g.GID,
		Location:   g.Location,
		Type:       g.Type,
		Weight:     g.Weight,
		Notify:     g.Notify,
		MonthStart: g.MonthStart,
		Labels:     g.Labels,
	}
}

// NotifyConfig 通知渠道配置
type NotifyConfig struct {
	Log     LogNotifyConfig     `yaml:"log"`
	Email   EmailNotifyConfig   `yaml:"email"`
	Webhook WebhookNotifyConfig `yaml:"webhook"`
}

type LogNotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

type EmailNotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Server   string `yaml:"server"` // host:port
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	To       string `yaml:"to"`
	Subject  string `yaml:"subject"`
	Template string `yaml:"template"`
}

type WebhookNotifyConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Template    string `yaml:"template"`
	TimeoutSecs int    `yaml:"timeout"`
}

// LoadFromFile 从文件加载配置
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return parse(data)
}

// LoadFromEnv 云模式：从环境变量 VIGIL_CONF 加载配置
func LoadFromEnv() (*Config, error) {
	data := os.Getenv("VIGIL_CONF")
	if data == "" {
		return nil, fmt.Errorf("环境变量 VIGIL_CONF 未设置")
	}
	return parse([]byte(data))
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize 填充默认值并校验配置
func (c *Config) Normalize() error {
	if c.HTTPAddr == "" {
		c.HTTPAddr = "0.0.0.0:8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "stats.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.OfflineThreshold == 0 {
		c.OfflineThreshold = 30
	}
	if c.NotifyInterval == 0 {
		c.NotifyInterval = 30
	}
	if c.GroupGC == 0 {
		c.GroupGC = 300
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 3
	}

	seen := make(map[string]bool)
	for _, h := range c.Hosts {
		if h.Name == "" {
			return fmt.Errorf("主机配置缺少 name")
		}
		if seen[h.Name] {
			return fmt.Errorf("主机名重复: %s", h.Name)
		}
		seen[h.Name] = true
		if h.MonthStart < 0 || h.MonthStart > 28 {
			return fmt.Errorf("主机 %s 的 monthstart 必须在 0-28 之间", h.Name)
		}
	}
	gids := make(map[string]bool)
	for _, g := range c.Groups {
		if g.GID == "" {
			return fmt.Errorf("主机组配置缺少 gid")
		}
		if gids[g.GID] {
			return fmt.Errorf("组ID重复: %s", g.GID)
		}
		gids[g.GID] = true
	}
	return nil
}

// HostMap 构建主机注册表（协调引擎持有并独占修改）
func (c *Config) HostMap() map[string]*Host {
	m := make(map[string]*Host, len(c.Hosts))
	for _, h := range c.Hosts {
		hc := *h
		m[h.Name] = &hc
	}
	return m
}

// GroupMap 构建组模板表（只读）
func (c *Config) GroupMap() map[string]*Group {
	m := make(map[string]*Group, len(c.Groups))
	for _, g := range c.Groups {
		m[g.GID] = g
	}
	return m
}

// Auth 校验单主机上报凭证
func (c *Config) Auth(name, pass string) bool {
	if pass == "" {
		return false
	}
	for _, h := range c.Hosts {
		if h.Name == name {
			return h.Password == pass
		}
	}
	return false
}

// GroupAuth 校验组上报凭证
func (c *Config) GroupAuth(gid, pass string) bool {
	if pass == "" {
		return false
	}
	for _, g := range c.Groups {
		if g.GID == gid {
			return g.Password == pass
		}
	}
	return false
}
