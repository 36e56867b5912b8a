package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestCustomFormatter_Format(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, logrus.DebugLevel)

	l.WithField("url", "https://example.com/a").WithField("account", "机器之心").Warn("抓取失败")

	out := buf.String()
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "[logger_test.go:")
	assert.Contains(t, out, "抓取失败 account=机器之心 url=https://example.com/a")
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "****", Mask("abcd"))
	assert.Equal(t, "sk-12345...", Mask("sk-1234567890"))
}
