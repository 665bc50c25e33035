package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// 后端名称，与 queue 包中的实现一一对应。
const (
	QueueBackendLevelDB = "leveldb"
	QueueBackendSQLite  = "sqlite"
)

var cachePrefixPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.ClientListenPort <= 0 || g.ClientListenPort > 65535 {
		return newFieldError("Global.ClientListenPort", "必须在 1-65535")
	}
	if g.ClientListenPort == g.ListenPort {
		return newFieldError("Global.ClientListenPort", "不能与 ListenPort 相同")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Queue.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	if err := validateDomain(a.Domain); err != nil {
		return fmt.Errorf("%s: %w", sectionField("App", "Domain"), err)
	}
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("%s: %w", sectionField("App", "Origin"), err)
	}
	if a.ForeignScheme != "http" && a.ForeignScheme != "https" {
		return newFieldError(sectionField("App", "ForeignScheme"), "仅支持 http/https")
	}
	if !cachePrefixPattern.MatchString(a.CachePrefix) {
		return newFieldError(sectionField("App", "CachePrefix"), "仅允许字母、数字、点、下划线与连字符")
	}
	if a.CacheVersion <= 0 {
		return newFieldError(sectionField("App", "CacheVersion"), "必须大于 0")
	}
	if !strings.HasPrefix(a.SigninPath, "/") {
		return newFieldError(sectionField("App", "SigninPath"), "必须以 / 开头")
	}
	if !strings.HasPrefix(a.OfflinePage, "/") {
		return newFieldError(sectionField("App", "OfflinePage"), "必须以 / 开头")
	}
	if a.MigrationConcurrency < 1 {
		return newFieldError(sectionField("App", "MigrationConcurrency"), "必须大于 0")
	}
	for _, entry := range a.Precache {
		if err := validatePrecacheEntry(entry); err != nil {
			return fmt.Errorf("%s: %w", sectionField("App", "Precache"), err)
		}
	}
	for _, marker := range a.BypassMarkers {
		if strings.TrimSpace(marker) == "" {
			return newFieldError(sectionField("App", "BypassMarkers"), "不允许空字符串")
		}
	}
	return nil
}

func (q *QueueConfig) validate() error {
	switch q.Backend {
	case QueueBackendLevelDB, QueueBackendSQLite:
	default:
		return newFieldError(sectionField("Queue", "Backend"), "仅支持 leveldb/sqlite")
	}
	if strings.TrimSpace(q.Name) == "" {
		return newFieldError(sectionField("Queue", "Name"), "不能为空")
	}
	if !cachePrefixPattern.MatchString(q.Table) {
		return newFieldError(sectionField("Queue", "Table"), "仅允许字母、数字、点、下划线与连字符")
	}
	if strings.TrimSpace(q.SyncTagPrefix) == "" {
		return newFieldError(sectionField("Queue", "SyncTagPrefix"), "不能为空")
	}
	if !strings.HasPrefix(q.SyncTag, q.SyncTagPrefix) {
		return newFieldError(sectionField("Queue", "SyncTag"), "必须以 SyncTagPrefix 开头")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不应包含查询参数: %s", raw)
	}
	return nil
}

func validatePrecacheEntry(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return errors.New("条目不能为空")
	}
	if strings.HasPrefix(entry, "/") {
		return nil
	}
	if strings.HasPrefix(entry, "http://") || strings.HasPrefix(entry, "https://") {
		return validateOrigin(strings.SplitN(entry, "?", 2)[0])
	}
	return fmt.Errorf("条目必须是站内路径或绝对地址: %s", entry)
}
