package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PrecacheManifest 对应构建产物旁的 YAML 清单，区分打包脚本与静态入口。
type PrecacheManifest struct {
	Build  []string `yaml:"build"`
	Static []string `yaml:"static"`
}

// Files 按 build → static 顺序返回清单条目，跳过空行。
func (m PrecacheManifest) Files() []string {
	files := make([]string, 0, len(m.Build)+len(m.Static))
	for _, group := range [][]string{m.Build, m.Static} {
		for _, entry := range group {
			if trimmed := strings.TrimSpace(entry); trimmed != "" {
				files = append(files, trimmed)
			}
		}
	}
	return files
}

// LoadPrecacheManifest 读取 YAML 预缓存清单。
func LoadPrecacheManifest(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取预缓存清单失败: %w", err)
	}
	var manifest PrecacheManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("解析预缓存清单失败: %w", err)
	}
	return manifest.Files(), nil
}
