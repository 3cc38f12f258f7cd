package swcache

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<gen>            generation marker (diskGenMeta)
//	m:<gen>\x00<key>   entry metadata (diskMeta)
//	e:<gen>\x00<key>   entry (Entry)
const keySep = "\x00"

type diskGenMeta struct {
	CreatedAt int64
}

type diskMeta struct {
	Size int64
	Seq  int64
}

// leveldbBackend persists generations in a LevelDB database so they survive
// restarts. Metadata is mirrored in memory; reads of entries go to the db.
type leveldbBackend struct {
	maxBytes int64

	db *leveldb.DB

	// wmu serialises writers so the index and the db stay in step.
	wmu sync.Mutex

	mu        sync.Mutex
	index     map[string]map[string]diskMeta
	totalSize int64
	seq       int64
}

func newLevelDBBackend(path string, maxBytes int64) (*leveldbBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &leveldbBackend{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]map[string]diskMeta{},
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func genKey(gen string) []byte { return []byte("g:" + gen) }

func metaKey(gen, key string) []byte { return []byte("m:" + gen + keySep + key) }

func entryKey(gen, key string) []byte { return []byte("e:" + gen + keySep + key) }

func (d *leveldbBackend) loadIndex() error {
	idx := map[string]map[string]diskMeta{}

	git := d.db.NewIterator(util.BytesPrefix([]byte("g:")), nil)
	for git.Next() {
		gen := string(bytes.TrimPrefix(git.Key(), []byte("g:")))
		idx[gen] = map[string]diskMeta{}
	}
	git.Release()
	if err := git.Error(); err != nil {
		return err
	}

	var total, maxSeq int64
	it := d.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()
	for it.Next() {
		rest := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		gen, key, ok := cutKey(rest)
		if !ok {
			continue
		}
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		g, ok := idx[gen]
		if !ok {
			g = map[string]diskMeta{}
			idx[gen] = g
		}
		g[key] = meta
		total += meta.Size
		if meta.Seq > maxSeq {
			maxSeq = meta.Seq
		}
	}
	if err := it.Error(); err != nil {
		return err
	}

	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.seq = maxSeq
	d.mu.Unlock()
	return nil
}

func cutKey(s string) (gen, key string, ok bool) {
	i := strings.IndexByte(s, 0)
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func (d *leveldbBackend) Create(_ context.Context, gen string) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	return d.createLocked(gen)
}

func (d *leveldbBackend) createLocked(gen string) error {
	d.mu.Lock()
	_, ok := d.index[gen]
	d.mu.Unlock()
	if ok {
		return nil
	}
	b, err := encodeGob(diskGenMeta{CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	if err := d.db.Put(genKey(gen), b, nil); err != nil {
		return err
	}
	d.mu.Lock()
	d.index[gen] = map[string]diskMeta{}
	d.mu.Unlock()
	return nil
}

func (d *leveldbBackend) Has(_ context.Context, gen string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[gen]
	return ok, nil
}

func (d *leveldbBackend) Names(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for gen := range d.index {
		out = append(out, gen)
	}
	sort.Strings(out)
	return out, nil
}

func (d *leveldbBackend) Delete(_ context.Context, gen string) (bool, error) {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	d.mu.Lock()
	_, ok := d.index[gen]
	d.mu.Unlock()
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	for _, prefix := range []string{"m:", "e:"} {
		it := d.db.NewIterator(util.BytesPrefix([]byte(prefix+gen+keySep)), nil)
		for it.Next() {
			k := make([]byte, len(it.Key()))
			copy(k, it.Key())
			batch.Delete(k)
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, err
		}
	}
	batch.Delete(genKey(gen))
	if err := d.db.Write(batch, nil); err != nil {
		return false, err
	}

	d.mu.Lock()
	for _, meta := range d.index[gen] {
		d.totalSize -= meta.Size
	}
	delete(d.index, gen)
	d.mu.Unlock()
	return true, nil
}

func (d *leveldbBackend) Get(_ context.Context, gen, key string) (Entry, bool, error) {
	b, err := d.db.Get(entryKey(gen, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}
	return ent, true, nil
}

func (d *leveldbBackend) Put(_ context.Context, gen, key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	size := int64(len(b))

	d.wmu.Lock()
	defer d.wmu.Unlock()

	if err := d.createLocked(gen); err != nil {
		return err
	}

	d.mu.Lock()
	old, exists := d.index[gen][key]
	if d.maxBytes > 0 && d.totalSize-old.Size+size > d.maxBytes {
		d.mu.Unlock()
		return ErrQuotaExceeded
	}
	meta := diskMeta{Size: size, Seq: old.Seq}
	if !exists {
		d.seq++
		meta.Seq = d.seq
	}
	d.mu.Unlock()

	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(entryKey(gen, key), b)
	batch.Put(metaKey(gen, key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	d.totalSize += size - old.Size
	d.index[gen][key] = meta
	d.mu.Unlock()
	return nil
}

func (d *leveldbBackend) Keys(_ context.Context, gen string) ([]string, error) {
	d.mu.Lock()
	g := d.index[gen]
	type kv struct {
		key string
		seq int64
	}
	items := make([]kv, 0, len(g))
	for k, m := range g {
		items = append(items, kv{k, m.Seq})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.key
	}
	return out, nil
}

func (d *leveldbBackend) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *leveldbBackend) Close() error {
	return d.db.Close()
}
