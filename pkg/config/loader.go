package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load 分层加载配置到 out（通常是服务自己的 Config 结构）
// 顺序: base.yaml → <env>.yaml（存在时覆盖）→ secrets.env / 系统环境变量替换 ${VAR} 占位符
func Load(env, configDir string, out interface{}) error {
	if configDir == "" {
		configDir = "config"
	}

	secrets, err := loadEnvFile(filepath.Join(configDir, "secrets.env"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load secrets.env: %w", err)
	}

	if err := decodeYAMLFile(filepath.Join(configDir, "base.yaml"), secrets, out); err != nil {
		return fmt.Errorf("load base.yaml: %w", err)
	}

	if env != "" && env != "base" {
		envFile := filepath.Join(configDir, env+".yaml")
		if _, statErr := os.Stat(envFile); statErr == nil {
			if err := decodeYAMLFile(envFile, secrets, out); err != nil {
				return fmt.Errorf("load %s.yaml: %w", env, err)
			}
		}
	}

	return nil
}

// decodeYAMLFile 读取 YAML，替换占位符后 decode 到 out
// 对同一个 out 连续 decode 即得到层叠覆盖的效果
func decodeYAMLFile(path string, secrets map[string]string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	expanded := substitutePlaceholders(string(data), secrets)
	return yaml.Unmarshal([]byte(expanded), out)
}

// loadEnvFile 加载 KEY=VALUE 格式的 .env 文件
func loadEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		env[key] = value
	}
	return env, nil
}

// substitutePlaceholders 替换 ${VAR} 占位符
// 优先级: 系统环境变量 > secrets.env；没找到的占位符替换为空串
func substitutePlaceholders(s string, secrets map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		if v := os.Getenv(key); v != "" {
			return v
		}
		return secrets[key]
	})
}

// GetEnv 获取环境变量，未设置时返回默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetConfigEnv 当前配置环境（CONFIG_ENV，默认 local）
func GetConfigEnv() string {
	return GetEnv("CONFIG_ENV", "local")
}
