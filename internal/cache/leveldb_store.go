package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB 键布局：
//
//	s\x00<cacheName>                 # 缓存库存在标记
//	r\x00<cacheName>\x00<method url>  # 记录正文（JSON）
var (
	storeMarkerPrefix = []byte("s\x00")
	recordPrefix      = []byte("r\x00")
)

// NewLevelDBStorage 在 <basePath>/leveldb 打开（或创建）数据库，所有代际共用一个 DB。
func NewLevelDBStorage(basePath string) (Storage, error) {
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
	db, err := leveldb.OpenFile(filepath.Join(abs, "leveldb"), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStorage{db: db, locks: make(map[string]*sync.RWMutex)}, nil
}

// levelStorage 以代际为粒度加锁：Put/Open 持共享锁，Delete 持独占锁，
// 删除完成后不会残留标记已删除的记录。
type levelStorage struct {
	db *leveldb.DB

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func (s *levelStorage) storeLock(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.RWMutex{}
		s.locks[name] = lock
	}
	return lock
}

type levelGeneration struct {
	storage *levelStorage
	name    string
}

func markerKey(name string) []byte {
	return append(append([]byte(nil), storeMarkerPrefix...), name...)
}

func recordKeyPrefix(name string) []byte {
	out := append([]byte(nil), recordPrefix...)
	out = append(out, name...)
	return append(out, 0)
}

func recordKey(name string, key Key) []byte {
	return append(recordKeyPrefix(name), key.String()...)
}

func (s *levelStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	lock := s.storeLock(name)
	lock.RLock()
	defer lock.RUnlock()
	if err := s.db.Put(markerKey(name), nil, nil); err != nil {
		return nil, err
	}
	return &levelGeneration{storage: s, name: name}, nil
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	return s.db.Has(markerKey(name), nil)
}

func (s *levelStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix(storeMarkerPrefix), nil)
	defer iter.Release()

	var names []string
	for iter.Next() {
		names = append(names, string(bytes.TrimPrefix(iter.Key(), storeMarkerPrefix)))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	lock := s.storeLock(name)
	lock.Lock()
	defer lock.Unlock()

	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(markerKey(name))

	iter := s.db.NewIterator(util.BytesPrefix(recordKeyPrefix(name)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return false, err
	}

	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func (g *levelGeneration) Name() string {
	return g.name
}

func (g *levelGeneration) Match(ctx context.Context, key Key) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := g.storage.db.Get(recordKey(g.name, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode cache record %s: %w", key, err)
	}
	return &record, nil
}

func (g *levelGeneration) Put(ctx context.Context, key Key, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	lock := g.storage.storeLock(g.name)
	lock.RLock()
	defer lock.RUnlock()

	batch := new(leveldb.Batch)
	batch.Put(markerKey(g.name), nil)
	batch.Put(recordKey(g.name, key), payload)
	return g.storage.db.Write(batch, nil)
}

func (g *levelGeneration) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := recordKeyPrefix(g.name)
	iter := g.storage.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var keys []Key
	for iter.Next() {
		raw := string(bytes.TrimPrefix(iter.Key(), prefix))
		keys = append(keys, parseKeyString(raw))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}

// parseKeyString 是 Key.String 的逆操作，方法与 URL 以首个空格分隔。
func parseKeyString(raw string) Key {
	if idx := strings.IndexByte(raw, ' '); idx >= 0 {
		return Key{Method: raw[:idx], URL: raw[idx+1:]}
	}
	return Key{Method: raw}
}
