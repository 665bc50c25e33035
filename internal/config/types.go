package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志与存储目录。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	ClientListenPort int      `mapstructure:"ClientListenPort"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	StoragePath      string   `mapstructure:"StoragePath"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
}

// AppConfig 决定被拦截应用的源站、缓存代际以及请求解析规则。
type AppConfig struct {
	Domain               string   `mapstructure:"Domain"`
	Origin               string   `mapstructure:"Origin"`
	ForeignScheme        string   `mapstructure:"ForeignScheme"`
	CachePrefix          string   `mapstructure:"CachePrefix"`
	CacheVersion         int      `mapstructure:"CacheVersion"`
	Precache             []string `mapstructure:"Precache"`
	PrecacheManifest     string   `mapstructure:"PrecacheManifest"`
	BypassMarkers        []string `mapstructure:"BypassMarkers"`
	SigninPath           string   `mapstructure:"SigninPath"`
	OfflinePage          string   `mapstructure:"OfflinePage"`
	MigrationConcurrency int      `mapstructure:"MigrationConcurrency"`
	ProbeInterval        Duration `mapstructure:"ProbeInterval"`
}

// QueueConfig 描述持久化通知队列的后端与后台同步标签。
type QueueConfig struct {
	Backend       string `mapstructure:"Backend"`
	Name          string `mapstructure:"Name"`
	Table         string `mapstructure:"Table"`
	SyncTagPrefix string `mapstructure:"SyncTagPrefix"`
	SyncTag       string `mapstructure:"SyncTag"`
}

// NotificationConfig 固定通知展示参数（图标、震动、同步通知标题）。
type NotificationConfig struct {
	Icon        string `mapstructure:"Icon"`
	Vibrate     []int  `mapstructure:"Vibrate"`
	SyncTitle   string `mapstructure:"SyncTitle"`
	SyncMessage string `mapstructure:"SyncMessage"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	App          AppConfig          `mapstructure:"App"`
	Queue        QueueConfig        `mapstructure:"Queue"`
	Notification NotificationConfig `mapstructure:"Notification"`
}

// CacheName 返回指定版本对应的缓存代际名称，例如 pwa-cache-527。
func (a AppConfig) CacheName(version int) string {
	return a.CachePrefix + strconv.Itoa(version)
}

// CurrentCacheName 返回当前配置版本的缓存代际名称。
func (a AppConfig) CurrentCacheName() string {
	return a.CacheName(a.CacheVersion)
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (a AppConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(strings.TrimRight(a.Origin, "/"))
	if err != nil {
		return &url.URL{}
	}
	return parsed
}

// ResolvePath 将站内路径拼接到源站，已是绝对地址的条目原样返回。
func (a AppConfig) ResolvePath(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(a.Origin, "/") + p
}

// PrecacheURLs 返回安装阶段需要预取的绝对地址列表，保持声明顺序并去重。
func (a AppConfig) PrecacheURLs() []string {
	seen := make(map[string]struct{}, len(a.Precache))
	result := make([]string, 0, len(a.Precache))
	for _, entry := range a.Precache {
		resolved := a.ResolvePath(strings.TrimSpace(entry))
		if _, ok := seen[resolved]; ok {
			continue
		}
		seen[resolved] = struct{}{}
		result = append(result, resolved)
	}
	return result
}
