package collector

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedup(t *testing.T) {
	d := NewDedup()
	assert.True(t, d.Add("https://mp.weixin.qq.com/s?__biz=1&amp;mid=2"))
	assert.False(t, d.Add("http://mp.weixin.qq.com/s?__biz=1&mid=2#rd"))
	assert.True(t, d.Add("https://mp.weixin.qq.com/s?__biz=1&mid=3"))
	assert.False(t, d.Add("  "))
}

func TestResult_Tally(t *testing.T) {
	r := &Result{Tally: []AccountTally{
		{Account: "a", Articles: 2},
		{Account: "b", Err: errors.New("cookie 失效")},
	}}
	assert.Equal(t, 1, r.Succeeded())
	assert.Len(t, r.Failures(), 1)
	assert.Contains(t, r.Summary(), "[b] cookie 失效")
}
