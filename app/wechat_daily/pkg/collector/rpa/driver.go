package rpa

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
)

// ErrAppUnavailable 被驱动的应用无法找到或激活，整个采集中止
var ErrAppUnavailable = errors.New("automation target application unavailable")

// Point 逻辑坐标
type Point struct {
	X, Y float64
}

// Driver 界面自动化的最小动作集合，所有坐标均为逻辑坐标
type Driver interface {
	// Activate 把目标应用切到前台
	Activate(ctx context.Context) error
	// OpenURL 在应用内置浏览器中打开链接
	OpenURL(ctx context.Context, url string) error
	// Screenshot 截取当前窗口到 path（PNG，物理像素）
	Screenshot(ctx context.Context, path string) error
	Click(ctx context.Context, p Point) error
	// CopyLink 复制当前文章链接并返回
	CopyLink(ctx context.Context) (string, error)
	Back(ctx context.Context) error
	Scroll(ctx context.Context) error
	// CloseTabs 关闭打开的页面，回到初始状态
	CloseTabs(ctx context.Context) error
}

// 外部命令中的动作名
const (
	ActionActivate   = "activate"
	ActionOpenURL    = "open_url"
	ActionScreenshot = "screenshot"
	ActionClick      = "click"
	ActionCopyLink   = "copy_link"
	ActionBack       = "back"
	ActionScroll     = "scroll"
	ActionCloseTabs  = "close_tabs"
)

// ExecDriver 把每个动作映射为一条外部命令，经 sh -c 执行。
// 命令中的占位符：{app} {url} {path} {x} {y}，以及 {template:<名称>} 引用模板图片路径。
// 占位符替换后的值会做 shell 引号转义。
type ExecDriver struct {
	app       string
	commands  map[string]string
	templates map[string]string
	timeout   time.Duration
}

var _ Driver = (*ExecDriver)(nil)

// NewExecDriver 创建命令驱动，缺少任何动作的命令时报错
func NewExecDriver(app string, commands, templates map[string]string, timeout time.Duration) (*ExecDriver, error) {
	var missing []string
	for _, a := range []string{ActionActivate, ActionOpenURL, ActionScreenshot, ActionClick,
		ActionCopyLink, ActionBack, ActionScroll, ActionCloseTabs} {
		if strings.TrimSpace(commands[a]) == "" {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("rpa commands not configured: %s", strings.Join(missing, ", "))
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExecDriver{app: app, commands: commands, templates: templates, timeout: timeout}, nil
}

func (d *ExecDriver) Activate(ctx context.Context) error {
	if _, err := d.run(ctx, ActionActivate, nil); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAppUnavailable, d.app, err)
	}
	return nil
}

func (d *ExecDriver) OpenURL(ctx context.Context, url string) error {
	_, err := d.run(ctx, ActionOpenURL, map[string]string{"url": url})
	return err
}

func (d *ExecDriver) Screenshot(ctx context.Context, path string) error {
	_, err := d.run(ctx, ActionScreenshot, map[string]string{"path": path})
	return err
}

func (d *ExecDriver) Click(ctx context.Context, p Point) error {
	_, err := d.run(ctx, ActionClick, map[string]string{
		"x": strconv.Itoa(int(p.X + 0.5)),
		"y": strconv.Itoa(int(p.Y + 0.5)),
	})
	return err
}

func (d *ExecDriver) CopyLink(ctx context.Context) (string, error) {
	out, err := d.run(ctx, ActionCopyLink, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (d *ExecDriver) Back(ctx context.Context) error {
	_, err := d.run(ctx, ActionBack, nil)
	return err
}

func (d *ExecDriver) Scroll(ctx context.Context) error {
	_, err := d.run(ctx, ActionScroll, nil)
	return err
}

func (d *ExecDriver) CloseTabs(ctx context.Context) error {
	_, err := d.run(ctx, ActionCloseTabs, nil)
	return err
}

func (d *ExecDriver) run(ctx context.Context, action string, vars map[string]string) (string, error) {
	line := d.expand(d.commands[action], vars)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Log.Debugf("执行自动化动作 %s: %s", action, line)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("rpa action %s failed: %w: %s", action, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (d *ExecDriver) expand(tpl string, vars map[string]string) string {
	pairs := []string{"{app}", shellQuote(d.app)}
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", shellQuote(v))
	}
	for name, path := range d.templates {
		pairs = append(pairs, "{template:"+name+"}", shellQuote(path))
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
