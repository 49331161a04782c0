package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testConfigPath 返回 testdata 下的配置样例路径。
func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 将内联 TOML 写入临时目录，返回文件路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache-coordinator.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
