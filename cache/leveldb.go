package cache

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout:
//
//	g:<generation>            -> creation time (unix seconds)
//	e:<generation>\x00<key>   -> encoded response
const (
	generationPrefix = "g:"
	entryPrefix      = "e:"
	entrySeparator   = "\x00"
)

// LevelDBStorage keeps generations in a LevelDB database on disk.
type LevelDBStorage struct {
	db *leveldb.DB

	// mu orders generation creation/deletion against entry writes
	mu    sync.RWMutex
	quota *quota
}

// NewLevelDBStorage opens (or creates) the database at path.
func NewLevelDBStorage(path string, quotaBytes int64) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	l := &LevelDBStorage{db: db, quota: newQuota(quotaBytes)}
	if err := l.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// loadIndex rebuilds the quota accounting from the entries on disk.
func (l *LevelDBStorage) loadIndex() error {
	it := l.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	for it.Next() {
		rest := bytes.TrimPrefix(it.Key(), []byte(entryPrefix))
		gen, key, found := bytes.Cut(rest, []byte(entrySeparator))
		if !found {
			continue
		}
		// not enforced here, data already on disk always counts
		sizes := l.quota.sizes[string(gen)]
		if sizes == nil {
			sizes = map[string]int64{}
			l.quota.sizes[string(gen)] = sizes
		}
		sizes[string(key)] = int64(len(it.Value()))
		l.quota.used += int64(len(it.Value()))
	}
	return errors.Wrap(it.Error(), "load index")
}

func generationKey(name string) []byte {
	return []byte(generationPrefix + name)
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + entrySeparator)
}

func entryKey(name, key string) []byte {
	return []byte(entryPrefix + name + entrySeparator + key)
}

func (l *LevelDBStorage) Open(_ context.Context, name string) (Generation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(generationKey(name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		if l.quota.full() {
			return nil, errors.Wrapf(ErrQuotaExceeded, "open %s", name)
		}
		created := strconv.FormatInt(time.Now().Unix(), 10)
		if err := l.db.Put(generationKey(name), []byte(created), nil); err != nil {
			return nil, errors.Wrapf(err, "create generation %s", name)
		}
	}
	return &leveldbGeneration{storage: l, name: name}, nil
}

func (l *LevelDBStorage) Keys(_ context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	defer it.Release()
	names := make([]string, 0)
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(generationPrefix))))
	}
	sort.Strings(names)
	return names, it.Error()
}

func (l *LevelDBStorage) Has(_ context.Context, name string) (bool, error) {
	return l.db.Has(generationKey(name), nil)
}

func (l *LevelDBStorage) Delete(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(generationKey(name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := l.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, errors.Wrapf(err, "list entries of %s", name)
	}
	batch.Delete(generationKey(name))
	if err := l.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, "delete generation %s", name)
	}
	l.quota.releaseAll(name)
	return true, nil
}

func (l *LevelDBStorage) Close() error {
	return l.db.Close()
}

type leveldbGeneration struct {
	storage *LevelDBStorage
	name    string
}

func (g *leveldbGeneration) Name() string {
	return g.name
}

func (g *leveldbGeneration) Match(_ context.Context, key string) (*Response, bool, error) {
	b, err := g.storage.db.Get(entryKey(g.name, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	res, err := DecodeResponse(b)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (g *leveldbGeneration) Put(_ context.Context, key string, res *Response) error {
	b, err := EncodeResponse(res)
	if err != nil {
		return err
	}
	l := g.storage
	l.mu.RLock()
	defer l.mu.RUnlock()
	ok, err := l.db.Has(generationKey(g.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationDeleted
	}
	if err := l.quota.reserve(g.name, key, int64(len(b))); err != nil {
		return err
	}
	if err := l.db.Put(entryKey(g.name, key), b, nil); err != nil {
		l.quota.release(g.name, key)
		return errors.Wrapf(err, "write %s", key)
	}
	return nil
}

func (g *leveldbGeneration) Keys(_ context.Context) ([]string, error) {
	prefix := entryKeyPrefix(g.name)
	it := g.storage.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return keys, it.Error()
}
