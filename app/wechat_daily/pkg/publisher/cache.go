package publisher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// CacheEntry 一张已上传图片的远端引用
type CacheEntry struct {
	MediaID    string    `json:"media_id"`
	FileName   string    `json:"file_name"`
	URL        string    `json:"url,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// MediaCache 以图片内容的 SHA-256 为键缓存 media_id，持久化为 JSON 文件。
// 同一张图片换了文件名也能命中，内容变了则视为新图片。
type MediaCache struct {
	path string

	mu      sync.Mutex
	entries map[string]CacheEntry
}

// LoadMediaCache 文件不存在时返回空缓存
func LoadMediaCache(path string) (*MediaCache, error) {
	c := &MediaCache{path: path, entries: map[string]CacheEntry{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read media cache: %w", err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("parse media cache %s: %w", path, err)
	}
	return c, nil
}

// ContentKey 图片内容的标识
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MaterialName 上传到素材库时使用的文件名，带上内容标识前缀，
// 素材库里同名即同内容。
func MaterialName(fileName, key string) string {
	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(fileName, ext)
	return fmt.Sprintf("%s_%s%s", stem, key[:min(len(key), 12)], ext)
}

// Get 按内容标识查找
func (c *MediaCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// Put 记录并立即落盘
func (c *MediaCache) Put(key string, e CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
	return c.save()
}

func (c *MediaCache) save() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".media-cache-*.json")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write media cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.path)
}
