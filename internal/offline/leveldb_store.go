package offline

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<name>                 generation record (gob generationMeta)
//	e:<name>\x00<METHOD URL> gob CacheEntry
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
)

type generationMeta struct {
	CreatedAt int64 // unix nanoseconds
}

// LevelDBStorage persists cache generations in a leveldb directory.
type LevelDBStorage struct {
	db *leveldb.DB

	// serializes generation create/delete; entry ops go straight to db
	mu sync.Mutex
}

func OpenLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	return &LevelDBStorage{db: db}, nil
}

func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

func validCacheName(name string) error {
	if name == "" {
		return errors.New("empty cache name")
	}
	if strings.ContainsRune(name, 0) {
		return errors.Errorf("cache name %q contains NUL", name)
	}
	return nil
}

func (s *LevelDBStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validCacheName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(genPrefix + name)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup cache %q", name)
	}
	if !ok {
		b, err := encodeGob(generationMeta{CreatedAt: time.Now().UnixNano()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(key, b, nil); err != nil {
			return nil, errors.Wrapf(err, "create cache %q", name)
		}
	}
	return &levelCache{db: s.db, name: name}, nil
}

func (s *LevelDBStorage) Lookup(ctx context.Context, name string) (Cache, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := validCacheName(name); err != nil {
		return nil, false, err
	}
	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil {
		return nil, false, errors.Wrapf(err, "lookup cache %q", name)
	}
	if !ok {
		return nil, false, nil
	}
	return &levelCache{db: s.db, name: name}, true, nil
}

func (s *LevelDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validCacheName(name); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gk := []byte(genPrefix + name)
	ok, err := s.db.Has(gk, nil)
	if err != nil {
		return false, errors.Wrapf(err, "lookup cache %q", name)
	}
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete(gk)
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, errors.Wrapf(err, "scan cache %q", name)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, "delete cache %q", name)
	}
	return true, nil
}

func (s *LevelDBStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type gen struct {
		name string
		meta generationMeta
	}
	var gens []gen

	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	for it.Next() {
		var m generationMeta
		if err := decodeGob(it.Value(), &m); err != nil {
			key := string(it.Key())
			it.Release()
			return nil, errors.Wrapf(err, "decode generation %q", key)
		}
		gens = append(gens, gen{name: strings.TrimPrefix(string(it.Key()), genPrefix), meta: m})
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "scan generations")
	}

	sort.SliceStable(gens, func(i, j int) bool {
		return gens[i].meta.CreatedAt < gens[j].meta.CreatedAt
	})
	out := make([]string, len(gens))
	for i, g := range gens {
		out[i] = g.name
	}
	return out, nil
}

// ---- generation ----

type levelCache struct {
	db   *leveldb.DB
	name string
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

func (c *levelCache) entryKey(req *http.Request) []byte {
	return append(entryKeyPrefix(c.name), requestKey(req)...)
}

func (c *levelCache) Match(ctx context.Context, req *http.Request) (CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return CacheEntry{}, false, err
	}
	b, err := c.db.Get(c.entryKey(req), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, errors.Wrapf(err, "match %s", requestKey(req))
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, errors.Wrapf(err, "decode %s", requestKey(req))
	}
	return ent, true, nil
}

func (c *levelCache) Put(ctx context.Context, req *http.Request, ent CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeGob(ent)
	if err != nil {
		return errors.Wrapf(err, "encode %s", requestKey(req))
	}
	return errors.Wrapf(c.db.Put(c.entryKey(req), b, nil), "put %s", requestKey(req))
}

func (c *levelCache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := c.entryKey(req)
	ok, err := c.db.Has(key, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := c.db.Delete(key, nil); err != nil {
		return false, errors.Wrapf(err, "delete %s", requestKey(req))
	}
	return true, nil
}

func (c *levelCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := entryKeyPrefix(c.name)
	var out []string
	it := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		out = append(out, string(it.Key()[len(prefix):]))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, errors.Wrapf(err, "scan cache %q", c.name)
	}
	return out, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	// CacheEntry.Header crosses gob as a concrete map type.
	gob.Register(http.Header{})
}
