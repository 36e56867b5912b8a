package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
)

// Source 敏感字段的值来源
type Source string

const (
	SourceConfig Source = "config"
	SourceDotenv Source = "dotenv"
	SourceEnv    Source = "env"
	SourceUnset  Source = "unset"
)

// Field 一个敏感字段：配置路径、环境变量名以及在 Config 中的位置
type Field struct {
	Path   string
	EnvKey string
	ptr    func(*Config) *string
}

// SensitiveFields 参与三源合并的字段
var SensitiveFields = []Field{
	{Path: "model_config.LLM.api_key", EnvKey: "DASHSCOPE_API_KEY", ptr: func(c *Config) *string { return &c.ModelConfig.LLM.APIKey }},
	{Path: "model_config.VLM.api_key", EnvKey: "DASHSCOPE_API_KEY", ptr: func(c *Config) *string { return &c.ModelConfig.VLM.APIKey }},
	{Path: "publish_config.appid", EnvKey: "WECHAT_APPID", ptr: func(c *Config) *string { return &c.PublishConfig.AppID }},
	{Path: "publish_config.appsecret", EnvKey: "WECHAT_APPSECRET", ptr: func(c *Config) *string { return &c.PublishConfig.AppSecret }},
	{Path: "token", EnvKey: "WECHAT_API_TOKEN", ptr: func(c *Config) *string { return &c.Token }},
	{Path: "cookie", EnvKey: "WECHAT_API_COOKIE", ptr: func(c *Config) *string { return &c.Cookie }},
	{Path: "db.password", EnvKey: "WECHAT_DAILY_DB_PASSWORD", ptr: func(c *Config) *string { return &c.DB.Password }},
}

// Provenance 记录一个敏感字段的解析结果
type Provenance struct {
	Field  Field
	Source Source
	Masked string
}

// ResolvedConfig 合并后的配置，敏感字段附带来源
type ResolvedConfig struct {
	*Config
	Provenance map[string]Provenance
	ConfigPath string
	DotenvPath string
}

// LookupFunc 读取进程环境变量，测试时可替换
type LookupFunc func(key string) (string, bool)

// Resolve 按 配置文件 > .env > 系统环境变量 的顺序合并敏感字段。
// 空字符串视为缺失，而不是显式置空。
func Resolve(file *Config, dotenv map[string]string, lookup LookupFunc) *ResolvedConfig {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := *file
	rc := &ResolvedConfig{Config: &cfg, Provenance: make(map[string]Provenance, len(SensitiveFields))}

	for _, f := range SensitiveFields {
		p := f.ptr(rc.Config)
		src := SourceUnset
		switch {
		case strings.TrimSpace(*p) != "":
			src = SourceConfig
		case strings.TrimSpace(dotenv[f.EnvKey]) != "":
			*p = strings.TrimSpace(dotenv[f.EnvKey])
			src = SourceDotenv
		default:
			if v, ok := lookup(f.EnvKey); ok && strings.TrimSpace(v) != "" {
				*p = strings.TrimSpace(v)
				src = SourceEnv
			}
		}
		rc.Provenance[f.Path] = Provenance{Field: f, Source: src, Masked: logger.Mask(*p)}
	}
	return rc
}

// Load 读取配置文件与 .env 并完成合并。.env 不存在时视为空。
func Load(configPath, dotenvPath string) (*ResolvedConfig, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	dotenv := map[string]string{}
	if dotenvPath != "" {
		m, err := godotenv.Read(dotenvPath)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, fs.ErrNotExist):
			logger.Log.Debugf(".env 文件不存在，跳过: %s", dotenvPath)
		default:
			return nil, fmt.Errorf("read dotenv %s: %w", dotenvPath, err)
		}
	}

	rc := Resolve(cfg, dotenv, os.LookupEnv)
	rc.ConfigPath = configPath
	rc.DotenvPath = dotenvPath
	return rc, nil
}

// MissingFieldError 必填字段在三个来源中都没有找到
type MissingFieldError struct {
	Field      Field
	ConfigPath string
	DotenvPath string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %s: checked %s (%s), %s (%s), process environment (%s)",
		e.Field.Path, e.ConfigPath, e.Field.Path, e.DotenvPath, e.Field.EnvKey, e.Field.EnvKey)
}

// Requirement 描述某个工作流需要哪些敏感字段
type Requirement struct {
	Workflow string // collect / generate / publish / full
	Mode     string // rpa / api
}

func (r Requirement) needs() []string {
	var paths []string
	collect := r.Workflow == "collect" || r.Workflow == "full"
	if collect && r.Mode == "api" {
		paths = append(paths, "token", "cookie")
	}
	if collect && r.Mode == "rpa" {
		paths = append(paths, "model_config.VLM.api_key")
	}
	if r.Workflow == "generate" || r.Workflow == "full" {
		paths = append(paths, "model_config.LLM.api_key")
	}
	if r.Workflow == "publish" || r.Workflow == "full" {
		paths = append(paths, "publish_config.appid", "publish_config.appsecret")
	}
	return paths
}

// Validate 在任何网络请求之前检查必填凭证
func (rc *ResolvedConfig) Validate(req Requirement) error {
	var errs []error
	for _, path := range req.needs() {
		p, ok := rc.Provenance[path]
		if !ok || p.Source == SourceUnset {
			errs = append(errs, &MissingFieldError{Field: p.Field, ConfigPath: rc.ConfigPath, DotenvPath: rc.DotenvPath})
		}
	}
	return errors.Join(errs...)
}

// Diagnostics 每个敏感字段的来源与脱敏值，只用于展示
func (rc *ResolvedConfig) Diagnostics() []Provenance {
	out := make([]Provenance, 0, len(SensitiveFields))
	for _, f := range SensitiveFields {
		out = append(out, rc.Provenance[f.Path])
	}
	return out
}
