package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config 项目配置结构体，对应 configs/config.yaml
type Config struct {
	TargetDate   string   `yaml:"target_date"` // YYYY-MM-DD，为空时取今天
	StartDate    string   `yaml:"start_date"`  // 可选的窗口，YYYY-MM-DD 或 YYYY-MM-DD HH:mm
	EndDate      string   `yaml:"end_date"`
	AccountNames []string `yaml:"account_names"` // API 模式按名称搜索
	ArticleURLs  []string `yaml:"article_urls"`  // RPA 模式用样例文章反查公众号

	// 后台接口凭证，敏感字段，留空时从 .env / 环境变量解析
	Cookie string `yaml:"cookie"`
	Token  string `yaml:"token"`

	ModelConfig   ModelConfig       `yaml:"model_config"`
	PublishConfig PublishConfig     `yaml:"publish_config"`
	Collect       CollectConfig     `yaml:"collect"`
	Generate      GenerateConfig    `yaml:"generate"`
	Concurrency   ConcurrencyConfig `yaml:"concurrency"`
	Log           LogConfig         `yaml:"log"`
	DB            DBConfig          `yaml:"db"`
	OutputDir     string            `yaml:"output_dir"`
}

// ModelConfig 文本模型与视觉模型配置
type ModelConfig struct {
	LLM LLMConfig `yaml:"LLM"`
	VLM LLMConfig `yaml:"VLM"`
}

// LLMConfig 单个模型配置
type LLMConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	EnableThinking *bool  `yaml:"enable_thinking"`
	ThinkingBudget int    `yaml:"thinking_budget"`
	TimeoutSeconds int    `yaml:"timeout"`
}

// ThinkingEnabled enable_thinking 未配置时默认开启
func (c LLMConfig) ThinkingEnabled() bool {
	return c.EnableThinking == nil || *c.EnableThinking
}

// PublishConfig 公众号发布配置
type PublishConfig struct {
	AppID           string `yaml:"appid"`
	AppSecret       string `yaml:"appsecret"`
	MediaID         string `yaml:"media_id"` // 手动指定的封面 media_id，优先于缓存
	CoverPath       string `yaml:"cover_path"`
	Author          string `yaml:"author"`
	Title           string `yaml:"title"` // 支持 {date} 占位
	Digest          string `yaml:"digest"`
	ConvertHeadings bool   `yaml:"convert_headings"`
	MediaCacheFile  string `yaml:"media_cache_file"`
	TimeoutSeconds  int    `yaml:"timeout"`
}

// CollectConfig 采集配置
type CollectConfig struct {
	Mode            string    `yaml:"mode"` // rpa / api
	IntervalSeconds float64   `yaml:"interval_seconds"`
	MaxPages        int       `yaml:"max_pages"`
	MinutePrecision bool      `yaml:"minute_precision"`
	TimeoutSeconds  int       `yaml:"timeout"`
	RPA             RPAConfig `yaml:"rpa"`
}

// RPAConfig 界面自动化配置
type RPAConfig struct {
	AppName     string            `yaml:"app_name"`
	ScaleFactor float64           `yaml:"scale_factor"` // 物理像素 / 逻辑像素
	MaxScrolls  int               `yaml:"max_scrolls"`
	MaxRetries  int               `yaml:"max_retries"`
	LoadDelayMS int               `yaml:"load_delay_ms"`
	LockFile    string            `yaml:"lock_file"`
	Templates   map[string]string `yaml:"templates"` // 模板图片路径，交给驱动命令使用
	Commands    map[string]string `yaml:"commands"`  // 驱动动作到外部命令的映射
	TempDir     string            `yaml:"temp_dir"`
}

// GenerateConfig 日报生成配置
type GenerateConfig struct {
	ScoreScale        int    `yaml:"score_scale"`
	Threshold         *int   `yaml:"threshold"` // 显式写 0 表示全部入选，按分数排序
	MinCount          *int   `yaml:"min_count"`
	Concurrency       int    `yaml:"concurrency"`
	MaxRetries        int    `yaml:"max_retries"`
	SummaryPromptFile string `yaml:"summary_prompt_file"`
	DedupPromptFile   string `yaml:"dedup_prompt_file"`
	Dedup             *bool  `yaml:"dedup"`
	TemplateFile      string `yaml:"template_file"`
	FilterByDate      *bool  `yaml:"filter_by_date"`
	FetchTimeout      int    `yaml:"fetch_timeout"`
}

// DedupEnabled 默认开启去重优化
func (c GenerateConfig) DedupEnabled() bool {
	return c.Dedup == nil || *c.Dedup
}

// DateFilterEnabled 默认只保留目标窗口内发布的文章
func (c GenerateConfig) DateFilterEnabled() bool {
	return c.FilterByDate == nil || *c.FilterByDate
}

func (c GenerateConfig) check() error {
	if c.ScoreScale < 0 {
		return fmt.Errorf("generate.score_scale must be positive, got %d", c.ScoreScale)
	}
	if c.Threshold != nil && (*c.Threshold < 0 || *c.Threshold > c.ScoreScale) {
		return fmt.Errorf("generate.threshold %d out of range 0-%d", *c.Threshold, c.ScoreScale)
	}
	if c.MinCount != nil && *c.MinCount < 0 {
		return fmt.Errorf("generate.min_count must not be negative, got %d", *c.MinCount)
	}
	return nil
}

func intPtr(v int) *int { return &v }

// ConcurrencyConfig 模型调用限流配置
type ConcurrencyConfig struct {
	QPS int `yaml:"qps"`
	RPM int `yaml:"rpm"`
}

// LogConfig 日志相关配置
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DBConfig 数据库相关配置，Host 为空时不记录运行历史
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

const (
	DefaultBaseURL  = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DefaultLLMModel = "qwen-plus"
	DefaultVLMModel = "qwen3-vl-plus"
)

// LoadConfig 从指定路径加载配置并补全默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Generate.check(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults 非敏感字段的硬编码默认值
func (c *Config) ApplyDefaults() {
	for _, m := range []*LLMConfig{&c.ModelConfig.LLM, &c.ModelConfig.VLM} {
		if m.BaseURL == "" {
			m.BaseURL = DefaultBaseURL
		}
		if m.ThinkingBudget == 0 {
			m.ThinkingBudget = 1024
		}
		if m.TimeoutSeconds == 0 {
			m.TimeoutSeconds = 120
		}
	}
	if c.ModelConfig.LLM.Model == "" {
		c.ModelConfig.LLM.Model = DefaultLLMModel
	}
	if c.ModelConfig.VLM.Model == "" {
		c.ModelConfig.VLM.Model = DefaultVLMModel
	}

	if c.Collect.Mode == "" {
		c.Collect.Mode = "api"
	}
	if c.Collect.IntervalSeconds == 0 {
		c.Collect.IntervalSeconds = 3
	}
	if c.Collect.MaxPages == 0 {
		c.Collect.MaxPages = 20
	}
	if c.Collect.TimeoutSeconds == 0 {
		c.Collect.TimeoutSeconds = 30
	}
	rpa := &c.Collect.RPA
	if rpa.AppName == "" {
		rpa.AppName = "WeChat"
	}
	if rpa.ScaleFactor == 0 {
		rpa.ScaleFactor = 1
	}
	if rpa.MaxScrolls == 0 {
		rpa.MaxScrolls = 5
	}
	if rpa.MaxRetries == 0 {
		rpa.MaxRetries = 3
	}
	if rpa.LoadDelayMS == 0 {
		rpa.LoadDelayMS = 3000
	}
	if rpa.LockFile == "" {
		rpa.LockFile = filepath.Join(os.TempDir(), "wechat_daily_rpa.lock")
	}
	if rpa.TempDir == "" {
		rpa.TempDir = ".tmp_screenshots"
	}

	g := &c.Generate
	if g.ScoreScale == 0 {
		g.ScoreScale = 5
	}
	if g.Threshold == nil {
		g.Threshold = intPtr(3)
	}
	if g.MinCount == nil {
		g.MinCount = intPtr(3)
	}
	if g.Concurrency == 0 {
		g.Concurrency = 3
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 2
	}
	if g.FetchTimeout == 0 {
		g.FetchTimeout = 15
	}

	p := &c.PublishConfig
	if p.Title == "" {
		p.Title = "AI公众号精选速览 {date}"
	}
	if p.MediaCacheFile == "" {
		p.MediaCacheFile = ".media_cache.json"
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = 30
	}

	if c.Concurrency.QPS == 0 {
		c.Concurrency.QPS = 1
	}
	if c.Concurrency.RPM == 0 {
		c.Concurrency.RPM = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.OutputDir == "" {
		c.OutputDir = "output"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
}
