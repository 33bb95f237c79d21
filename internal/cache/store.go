package cache

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Storage 管理命名缓存空间，语义与浏览器 CacheStorage 一致。
type Storage interface {
	// Keys 返回全部命名空间名称，按字典序排列。
	Keys(ctx context.Context) ([]string, error)

	// Has 判断命名空间是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Open 打开命名空间，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Delete 删除命名空间及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// Cache 是单个命名空间内 URL 到响应的映射。
type Cache interface {
	// Match 返回 key 对应的响应，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入或覆盖条目，覆盖后的条目视为最新写入。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除条目，返回删除前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 按写入先后返回全部 key，最早写入的在前。
	Keys(ctx context.Context) ([]string, error)
}

// Response 是缓存的响应快照，StoredAt 由存储在写入时填写。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 返回深拷贝，调用方可以安全修改。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: r.StoredAt,
	}
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// Match 在名称以 prefix 开头的命名空间中按字典序查找 key，prefix 为空时搜索全部。
func Match(ctx context.Context, storage Storage, key, prefix string) (*Response, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		c, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		resp, err := c.Match(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
	return nil, ErrNotFound
}

// Trim 删除最早写入的条目，直到条目数不超过 maxEntries；maxEntries <= 0 时不做处理。
func Trim(ctx context.Context, c Cache, maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, err
	}
	excess := len(keys) - maxEntries
	removed := 0
	for i := 0; i < excess; i++ {
		if _, err := c.Delete(ctx, keys[i]); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
