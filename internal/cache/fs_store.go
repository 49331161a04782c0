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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const recordSuffix = ".json"

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，布局为 <basePath>/<cacheName>/<sha1(key)>.json。
func NewFileStorage(basePath string) (Storage, error) {
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

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条记录并发写入，同时复用 basePath。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileGeneration struct {
	storage *fileStorage
	name    string
}

// fileRecord 是落盘格式，额外保存 Key 以便 Keys() 反查。
type fileRecord struct {
	Key    Key    `json:"key"`
	Record Record `json:"record"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileGeneration{storage: s, name: name}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.storeDir(name)

	// 先改名再删除，避免并发写入看到半删除的目录。
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, name)
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) storeDir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, name), nil
}

func (g *fileGeneration) Name() string {
	return g.name
}

func (g *fileGeneration) Match(ctx context.Context, key Key) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := g.entryPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var stored fileRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode cache record %s: %w", key, err)
	}
	if stored.Key != key {
		return nil, ErrNotFound
	}
	return &stored.Record, nil
}

func (g *fileGeneration) Put(ctx context.Context, key Key, record Record) error {
	unlock := g.storage.lockEntry(g.name, key)
	defer unlock()

	filePath, err := g.entryPath(key)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(fileRecord{Key: key, Record: record})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(payload))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (g *fileGeneration) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := g.storage.storeDir(g.name)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var stored fileRecord
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, fmt.Errorf("decode cache record %s: %w", entry.Name(), err)
		}
		keys = append(keys, stored.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (g *fileGeneration) entryPath(key Key) (string, error) {
	dir, err := g.storage.storeDir(g.name)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+recordSuffix), nil
}

func (s *fileStorage) lockEntry(name string, key Key) func() {
	lockKey := name + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
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

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
