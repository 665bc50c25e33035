package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值、预缓存清单与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	return decode(v, path)
}

func decode(v *viper.Viper, path string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAppDefaults(&cfg.App)
	applyQueueDefaults(&cfg.Queue)

	if manifest := strings.TrimSpace(cfg.App.PrecacheManifest); manifest != "" {
		if !filepath.IsAbs(manifest) {
			manifest = filepath.Join(filepath.Dir(path), manifest)
		}
		files, err := LoadPrecacheManifest(manifest)
		if err != nil {
			return nil, err
		}
		cfg.App.Precache = append(cfg.App.Precache, files...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析存储目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("ClientListenPort", 5001)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("App.ForeignScheme", "https")
	v.SetDefault("App.CachePrefix", "pwa-cache-")
	v.SetDefault("App.Precache", []string{"/app.js", "/", "/index.html", "/manifest.json", "/404.html"})
	v.SetDefault("App.BypassMarkers", []string{"fonts.g"})
	v.SetDefault("App.SigninPath", "/signin")
	v.SetDefault("App.OfflinePage", "/404.html")
	v.SetDefault("App.MigrationConcurrency", 4)
	v.SetDefault("App.ProbeInterval", "0s")

	v.SetDefault("Queue.Backend", "leveldb")
	v.SetDefault("Queue.Name", "pwa-db")
	v.SetDefault("Queue.Table", "pwa-store")
	v.SetDefault("Queue.SyncTagPrefix", "sync-demo")
	v.SetDefault("Queue.SyncTag", "sync-demo")

	v.SetDefault("Notification.Icon", "/src/img/icons/icon-512x512.png")
	v.SetDefault("Notification.Vibrate", []int{100, 50, 100})
	v.SetDefault("Notification.SyncTitle", "Background Sync demo")
	v.SetDefault("Notification.SyncMessage", "Background Sync demo message")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.ClientListenPort == 0 {
		g.ClientListenPort = g.ListenPort + 1
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyAppDefaults(a *AppConfig) {
	a.Origin = strings.TrimRight(strings.TrimSpace(a.Origin), "/")
	a.Domain = strings.ToLower(strings.TrimSpace(a.Domain))
	a.ForeignScheme = strings.ToLower(strings.TrimSpace(a.ForeignScheme))
	if a.ForeignScheme == "" {
		a.ForeignScheme = "https"
	}
	if a.MigrationConcurrency == 0 {
		a.MigrationConcurrency = 4
	}
	if a.ProbeInterval.DurationValue() < 0 {
		a.ProbeInterval = Duration(0)
	}
}

func applyQueueDefaults(q *QueueConfig) {
	q.Backend = strings.ToLower(strings.TrimSpace(q.Backend))
	if q.Backend == "" {
		q.Backend = QueueBackendLevelDB
	}
	if q.SyncTag == "" {
		q.SyncTag = q.SyncTagPrefix
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
