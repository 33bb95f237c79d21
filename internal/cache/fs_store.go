package cache

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix    = ".body"
	metaSuffix    = ".meta"
	namespaceFile = ".namespace"
)

// NewDiskStorage 以 basePath 为根目录构建磁盘存储，布局为：
//
//	<basePath>/<md5(namespace)>/.namespace        # 命名空间原始名称
//	<basePath>/<md5(namespace)>/<md5(key)>.body   # 响应正文
//	<basePath>/<md5(namespace)>/<md5(key)>.meta   # key、状态码、响应头、写入时间与写入序号
//
// 命名空间名称包含完整 URL，直接编码进文件名会超出文件系统的长度限制。
func NewDiskStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		seqs:     make(map[string]uint64),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock

	// seqs 记录每个命名空间目录已分配的最大写入序号
	seqs map[string]uint64
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type entryMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
	Seq      uint64      `json:"seq"`
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, entry.Name(), namespaceFile))
		if err != nil {
			continue
		}
		names = append(names, string(raw))
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(s.namespaceDir(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("cache name required")
	}
	dir := s.namespaceDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	marker := filepath.Join(dir, namespaceFile)
	if _, err := os.Stat(marker); errors.Is(err, fs.ErrNotExist) {
		if err := writeAtomic(ctx, marker, strings.NewReader(name)); err != nil {
			return nil, err
		}
	}
	return &diskCache{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	existed, err := s.Has(ctx, name)
	if err != nil || !existed {
		return false, err
	}
	if err := os.RemoveAll(s.namespaceDir(name)); err != nil {
		return false, err
	}
	s.mu.Lock()
	delete(s.seqs, s.namespaceDir(name))
	s.mu.Unlock()
	return true, nil
}

// nextSeq 返回 dir 下一条写入的序号。进程内首次使用时从已有 .meta 中恢复最大值，
// 保证重启后新写入仍排在旧条目之后。
func (s *fileStore) nextSeq(dir string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.seqs[dir]
	if !ok {
		for _, meta := range readMetas(dir) {
			if meta.Seq > last {
				last = meta.Seq
			}
		}
	}
	last++
	s.seqs[dir] = last
	return last
}

func (s *fileStore) namespaceDir(name string) string {
	return filepath.Join(s.basePath, hashName(name))
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type diskCache struct {
	store *fileStore
	name  string
	dir   string
}

func (c *diskCache) entryPath(key string) string {
	return filepath.Join(c.dir, hashName(key))
}

func (c *diskCache) lockKey(key string) string {
	return c.name + "::" + key
}

func (c *diskCache) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := c.entryPath(key)
	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Response{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

// Put 先写正文再写元数据，两者都通过临时文件 + rename 保证原子性；
// 元数据存在即代表条目完整。
func (c *diskCache) Put(ctx context.Context, key string, resp *Response) error {
	unlock := c.store.lockEntry(c.lockKey(key))
	defer unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}

	storedAt := time.Now().UTC()
	meta, err := json.Marshal(entryMeta{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		StoredAt: storedAt,
		Seq:      c.store.nextSeq(c.dir),
	})
	if err != nil {
		return err
	}

	base := c.entryPath(key)
	if err := writeAtomic(ctx, base+bodySuffix, bytes.NewReader(resp.Body)); err != nil {
		return err
	}
	return writeAtomic(ctx, base+metaSuffix, bytes.NewReader(meta))
}

func (c *diskCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := c.store.lockEntry(c.lockKey(key))
	defer unlock()

	base := c.entryPath(key)
	err := os.Remove(base + metaSuffix)
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (c *diskCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(c.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	metas := readMetas(c.dir)
	// 同一时钟刻度内写入的条目 StoredAt 相同，按写入序号排序
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Seq != metas[j].Seq {
			return metas[i].Seq < metas[j].Seq
		}
		if !metas[i].StoredAt.Equal(metas[j].StoredAt) {
			return metas[i].StoredAt.Before(metas[j].StoredAt)
		}
		return metas[i].Key < metas[j].Key
	})

	keys := make([]string, 0, len(metas))
	for _, meta := range metas {
		keys = append(keys, meta.Key)
	}
	return keys, nil
}

func hashName(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}

// readMetas 读取 dir 下所有可解析的元数据，损坏或并发删除的条目直接跳过。
func readMetas(dir string) []entryMeta {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	metas := make([]entryMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		metas = append(metas, *meta)
	}
	return metas
}

func readMeta(path string) (*entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta %s: %w", path, err)
	}
	return &meta, nil
}

func writeAtomic(ctx context.Context, target string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
