package rpa

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/llm"
)

// DateLocation 截图中一个日期文本的位置，均为 0-1 的相对值
type DateLocation struct {
	Date   string  `json:"date"`
	X      float64 `json:"x"` // 中心点
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DateLocator 在截图中定位指定日期
type DateLocator interface {
	Locate(ctx context.Context, imagePath string, dates []string) ([]DateLocation, error)
}

const locatePrompt = `# 角色定位
你是一个文本定位助手，你的任务是：
1. 在图片中找到**完全匹配用户需求**的日期，并返回每个匹配日期的位置信息。
2. 位置信息包含日期内容、日期文本中心点的相对坐标，以及日期文本的相对宽度和高度。

# 输出格式
只输出一个 JSON 对象，不要添加任何额外文字：
{"dates": [{"date": "找到的日期", "x": 0.5, "y": 0.5, "width": 0.2, "height": 0.05}]}

# 要求
1. 必须完全匹配用户指定的日期，date 字段与用户输入完全一致
2. 同一个日期在图片中出现多次时，每一处都单独输出
3. 所有坐标和尺寸都是 0-1 之间的小数：x = 中心点x / 图片宽度，y = 中心点y / 图片高度，width = 文本宽度 / 图片宽度，height = 文本高度 / 图片高度
4. 对数字特别敏感，不能有任何偏差
5. 没有匹配的日期时输出 {"dates": []}`

// VisionLocator 通过视觉模型定位日期
type VisionLocator struct {
	gen        *llm.Generator
	fixRetries int
}

var _ DateLocator = (*VisionLocator)(nil)

// NewVisionLocator fixRetries 为输出格式错误时的同上下文重试次数
func NewVisionLocator(gen *llm.Generator, fixRetries int) *VisionLocator {
	return &VisionLocator{gen: gen, fixRetries: fixRetries}
}

type locateOutput struct {
	Dates []DateLocation `json:"dates"`
}

// Locate 只返回属于 dates 的位置
func (l *VisionLocator) Locate(ctx context.Context, imagePath string, dates []string) ([]DateLocation, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read screenshot: %w", err)
	}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)

	query := "请在图片中定位以下日期：" + strings.Join(dates, "、")
	msgs := []*schema.Message{
		schema.SystemMessage(locatePrompt),
		llm.ImageMessage(dataURL, query),
	}

	var out locateOutput
	validate := func() error {
		for i, loc := range out.Dates {
			for name, v := range map[string]float64{"x": loc.X, "y": loc.Y, "width": loc.Width, "height": loc.Height} {
				if v < 0 || v > 1 {
					return fmt.Errorf("第 %d 个日期位置的 %s=%v 超出 0-1 范围", i+1, name, v)
				}
			}
		}
		return nil
	}
	if _, err := l.gen.GenerateJSON(ctx, msgs, &out, l.fixRetries, validate); err != nil {
		return nil, fmt.Errorf("locate dates: %w", err)
	}

	want := make(map[string]bool, len(dates))
	for _, d := range dates {
		want[d] = true
	}
	locs := make([]DateLocation, 0, len(out.Dates))
	for _, loc := range out.Dates {
		loc.Date = strings.TrimSpace(loc.Date)
		if want[loc.Date] {
			locs = append(locs, loc)
		}
	}
	return locs, nil
}
