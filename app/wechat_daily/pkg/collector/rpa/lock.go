package rpa

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// ErrLocked 已有其它界面自动化任务在运行
var ErrLocked = errors.New("another ui automation run holds the lock")

// 同进程内的互斥，锁文件负责跨进程
var processLock sync.Mutex

// AcquireLock 以独占方式创建锁文件，返回释放函数。
// 进程异常退出后残留的锁文件需要人工删除。
func AcquireLock(path string) (func(), error) {
	if !processLock.TryLock() {
		return nil, ErrLocked
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		processLock.Unlock()
		if errors.Is(err, os.ErrExist) {
			holder, _ := os.ReadFile(path)
			return nil, fmt.Errorf("%w: %s (pid %s)", ErrLocked, path, string(holder))
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	_ = f.Close()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = os.Remove(path)
			processLock.Unlock()
		})
	}, nil
}
