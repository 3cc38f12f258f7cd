package swcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"net/http"
	"time"
)

// Entry is a stored response snapshot.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func entryFromResponse(resp *Response) Entry {
	c := resp.Clone()
	c.Header.Del("Content-Length")
	return Entry{
		Status:   c.Status,
		Header:   c.Header,
		Body:     c.Body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(c.Body),
	}
}

// Response returns a fresh Response backed by a copy of the entry.
func (e Entry) Response() *Response {
	r := &Response{Status: e.Status, Header: e.Header, Body: e.Body}
	return r.Clone()
}

func (e Entry) size() int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Header {
		for _, v := range vs {
			n += int64(len(k) + len(v))
		}
	}
	return n
}

// Backend is the cache storage shared by every generation. Implementations
// must be safe for concurrent use; concurrent writes to one key are
// last-write-wins.
type Backend interface {
	// Create makes an empty generation if it does not exist yet.
	Create(ctx context.Context, gen string) error
	Has(ctx context.Context, gen string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	// Delete drops a generation and every entry in it. It reports whether
	// the generation existed.
	Delete(ctx context.Context, gen string) (bool, error)

	Get(ctx context.Context, gen, key string) (Entry, bool, error)
	// Put stores ent under key, creating gen when needed. Replacing an
	// existing key keeps its position in Keys.
	Put(ctx context.Context, gen, key string, ent Entry) error
	// Keys lists a generation's keys in insertion order.
	Keys(ctx context.Context, gen string) ([]string, error)

	TotalSize() int64
	Close() error
}

// OpenBackend builds the backend selected by cfg.
func OpenBackend(cfg Config) (Backend, error) {
	switch cfg.Cache.Backend {
	case BackendMemory, "":
		return newMemoryBackend(cfg.Cache.maxBytes), nil
	case BackendLevelDB:
		return newLevelDBBackend(cfg.Cache.Path, cfg.Cache.maxBytes)
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Cache.Backend)
	}
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
