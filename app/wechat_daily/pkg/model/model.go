package model

import "time"

// AccountReference 关注的公众号
type AccountReference struct {
	Name string // 显示名称
	ID   string // 平台不透明 id（fakeid / __biz），运行时解析
}

// ArticleReference 采集阶段得到的候选文章
type ArticleReference struct {
	URL         string
	Account     string
	PublishTime time.Time // API 模式下采集时已知；RPA 模式下由元数据提取补全
	Title       string    // 可能为空
}

// ArticleMetadata 提取后的文章元数据
type ArticleMetadata struct {
	ArticleReference
	Author      string
	Description string
	CoverURL    string
	Content     string
	Images      []string
	Complete    bool // 已完整填充，才能进入打分
}

// PublishTimeText 发布时间的展示文本
func (m *ArticleMetadata) PublishTimeText() string {
	if m.PublishTime.IsZero() {
		return "未知时间"
	}
	return m.PublishTime.Format("2006-01-02 15:04")
}

// ArticleSummary 大模型生成的摘要与评分
type ArticleSummary struct {
	Keywords []string `json:"keywords"`
	Score    int      `json:"score"`
	Summary  string   `json:"summary"`
	Reason   string   `json:"reason"`
}

// ScoredArticle 元数据与摘要的配对，Order 为采集顺序
type ScoredArticle struct {
	Metadata ArticleMetadata
	Summary  ArticleSummary
	Order    int
}

// PublishedDraft 发布结果
type PublishedDraft struct {
	DraftMediaID string
	ThumbMediaID string
	CoverReused  bool
	Title        string
}

// TimeWindow 采集时间窗口 [Start, End)
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// DayWindow 返回 date 所在自然日的窗口
func DayWindow(date time.Time) TimeWindow {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	return TimeWindow{Start: start, End: start.AddDate(0, 0, 1)}
}

// Contains 判断 t 是否落在窗口内
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Days 窗口覆盖的自然日（按开始时间所在时区）
func (w TimeWindow) Days() []time.Time {
	var days []time.Time
	d := time.Date(w.Start.Year(), w.Start.Month(), w.Start.Day(), 0, 0, 0, 0, w.Start.Location())
	for d.Before(w.End) {
		days = append(days, d)
		d = d.AddDate(0, 0, 1)
	}
	return days
}

// SingleDay 窗口是否恰好是一个自然日
func (w TimeWindow) SingleDay() bool {
	return w.DayAligned() && len(w.Days()) == 1
}

// DayAligned 起止都在零点，即按自然日划分的窗口
func (w TimeWindow) DayAligned() bool {
	return isMidnight(w.Start) && isMidnight(w.End.In(w.Start.Location()))
}

func isMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}

// Stamp 编码窗口的文件名片段：单日 20260115，多日 20260113-20260115，
// 精确到分钟的窗口 20260115T0800-20260115T1200
func (w TimeWindow) Stamp() string {
	if !w.DayAligned() {
		const layout = "20060102T1504"
		return w.Start.Format(layout) + "-" + w.End.In(w.Start.Location()).Format(layout)
	}
	days := w.Days()
	if len(days) == 0 {
		return w.Start.Format("20060102")
	}
	if len(days) == 1 {
		return days[0].Format("20060102")
	}
	return days[0].Format("20060102") + "-" + days[len(days)-1].Format("20060102")
}
