package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
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
	bucketMarker = ".bucket"
	metaSuffix   = ".meta"
	bodySuffix   = ".body"
)

// NewDiskStore 以 basePath 为根目录构建磁盘缓存，磁盘布局：
//
//	<basePath>/<bucket>/.bucket          # bucket 创建序号
//	<basePath>/<bucket>/<sha1>.meta      # key/状态码/header/插入序号
//	<basePath>/<bucket>/<sha1>.body      # 响应正文
//
// meta 文件最后写入，作为条目的提交点。
func NewDiskStore(basePath string) (Store, error) {
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

	return &diskStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// diskStore 通过 entryLock 避免同一条目并发写入，序号保证单调递增以维持插入顺序。
type diskStore struct {
	basePath string

	mu      sync.Mutex
	locks   map[string]*entryLock
	lastSeq int64
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type diskBucket struct {
	store *diskStore
	name  string
	dir   string
}

type bucketInfo struct {
	Name string `json:"name"`
	Seq  int64  `json:"seq"`
}

type entryMeta struct {
	Key      RequestKey  `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
	Seq      int64       `json:"seq"`
}

func (s *diskStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	marker := filepath.Join(dir, bucketMarker)
	if _, err := os.Stat(marker); err == nil {
		return &diskBucket{store: s, name: name, dir: dir}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(bucketInfo{Name: name, Seq: s.nextSeqLocked()})
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(ctx, dir, bucketMarker, payload); err != nil {
		return nil, err
	}
	return &diskBucket{store: s, name: name, dir: dir}, nil
}

func (s *diskStore) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, bucketMarker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *diskStore) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.bucketDir(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *diskStore) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	infos := make([]bucketInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, entry.Name(), bucketMarker))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var info bucketInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("decode bucket marker %s: %w", entry.Name(), err)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Seq < infos[j].Seq })

	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names, nil
}

func (s *diskStore) Match(ctx context.Context, key RequestKey) (*StoredResponse, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		dir, err := s.bucketDir(name)
		if err != nil {
			continue
		}
		b := &diskBucket{store: s, name: name, dir: dir}
		resp, err := b.Match(ctx, key)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *diskStore) Close() error {
	return nil
}

func (s *diskStore) nextSeqLocked() int64 {
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *diskStore) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeqLocked()
}

func (s *diskStore) lockEntry(key string) func() {
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

func (s *diskStore) bucketDir(name string) (string, error) {
	if name == "" {
		return "", ErrBucketNameRequired
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid bucket name: %q", name)
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid bucket name: %q", name)
	}
	return dir, nil
}

func (b *diskBucket) Name() string {
	return b.name
}

func (b *diskBucket) Match(ctx context.Context, key RequestKey) (*StoredResponse, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	base := entryFileName(key)
	// meta 与 body 分两个文件写入，读取时持有同一把条目锁以免读到新旧混合的条目。
	unlock := b.store.lockEntry(b.name + "::" + base)
	defer unlock()

	meta, err := readMeta(filepath.Join(b.dir, base+metaSuffix))
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(filepath.Join(b.dir, base+bodySuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &StoredResponse{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (b *diskBucket) Put(ctx context.Context, key RequestKey, resp *StoredResponse) error {
	if resp == nil {
		return errors.New("response required")
	}
	base := entryFileName(key)
	unlock := b.store.lockEntry(b.name + "::" + base)
	defer unlock()

	if _, err := os.Stat(filepath.Join(b.dir, bucketMarker)); err != nil {
		return fmt.Errorf("bucket %s unavailable: %w", b.name, err)
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta := entryMeta{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		StoredAt: storedAt,
		Seq:      b.store.nextSeq(),
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(ctx, b.dir, base+bodySuffix, resp.Body); err != nil {
		return err
	}
	return writeFileAtomic(ctx, b.dir, base+metaSuffix, payload)
}

func (b *diskBucket) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	base := entryFileName(key)
	unlock := b.store.lockEntry(b.name + "::" + base)
	defer unlock()

	err := os.Remove(filepath.Join(b.dir, base+metaSuffix))
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.Remove(filepath.Join(b.dir, base+bodySuffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (b *diskBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	metas := make([]*entryMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			// 并发删除的条目直接跳过
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Seq < metas[j].Seq })

	keys := make([]RequestKey, len(metas))
	for i, meta := range metas {
		keys[i] = meta.Key
	}
	return keys, nil
}

func readMeta(filePath string) (*entryMeta, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode entry meta %s: %w", filepath.Base(filePath), err)
	}
	return &meta, nil
}

func entryFileName(key RequestKey) string {
	sum := sha1.Sum([]byte(key.String()))
	return hex.EncodeToString(sum[:])
}

// writeFileAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeFileAtomic(ctx context.Context, dir, name string, data []byte) error {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filepath.Join(dir, name)); err != nil {
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
