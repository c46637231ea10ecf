package executor

import (
	"container/list"
	"database/sql"
	"sync"
)

// DefaultStmtCacheSize bounds the prepared statements one link keeps open.
const DefaultStmtCacheSize = 64

type stmtCloser interface {
	Close() error
}

type stmtEntry struct {
	query string
	stmt  stmtCloser
}

// stmtCache is an LRU of prepared statements keyed by SQL text. A statement
// pushed out by a newer one is closed on eviction.
type stmtCache struct {
	mu    sync.Mutex
	cap   int
	lru   *list.List
	items map[string]*list.Element
	// onEvict receives close errors of evicted statements.
	onEvict func(query string, err error)
}

func newStmtCache(capacity int) *stmtCache {
	if capacity <= 0 {
		capacity = DefaultStmtCacheSize
	}
	return &stmtCache{
		cap:   capacity,
		lru:   list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *stmtCache) get(query string) (stmtCloser, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[query]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*stmtEntry).stmt, true
}

func (c *stmtCache) put(query string, st stmtCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[query]; ok {
		c.lru.MoveToFront(elem)
		old := elem.Value.(*stmtEntry)
		if old.stmt != st {
			c.evicted(query, old.stmt.Close())
		}
		old.stmt = st
		return
	}
	c.items[query] = c.lru.PushFront(&stmtEntry{query: query, stmt: st})
	for c.lru.Len() > c.cap {
		back := c.lru.Back()
		e := back.Value.(*stmtEntry)
		c.lru.Remove(back)
		delete(c.items, e.query)
		c.evicted(e.query, e.stmt.Close())
	}
}

func (c *stmtCache) evicted(query string, err error) {
	if err != nil && c.onEvict != nil {
		c.onEvict(query, err)
	}
}

func (c *stmtCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// closeAll closes every statement, least recently used first, and empties
// the cache.
func (c *stmtCache) closeAll() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		if err := e.Value.(*stmtEntry).stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.lru.Init()
	c.items = make(map[string]*list.Element)
	return errs
}

var _ stmtCloser = (*sql.Stmt)(nil)
