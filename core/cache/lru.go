package cache

import (
	"container/list"
	"time"
)

type LRUOpts struct {
	Size int
}

type entry struct {
	key      string
	val      any
	deadline time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

type getReq struct {
	key  string
	resp chan getResp
}

type getResp struct {
	val any
	ok  bool
}

type putReq struct {
	key  string
	val  any
	opts []PutOption
}

type delReq struct {
	key string
}

// LRU is a bounded cache with optional per-entry TTL. All access is
// serialized through a single goroutine, so it is safe for concurrent use.
type LRU struct {
	getCh   chan getReq
	putCh   chan putReq
	delCh   chan delReq
	closeCh chan struct{}
}

func (L *LRU) Get(key string) (any, bool) {
	resp := make(chan getResp)
	L.getCh <- getReq{key: key, resp: resp}
	r := <-resp
	return r.val, r.ok
}

func (L *LRU) Put(key string, val any, opts ...PutOption) {
	L.putCh <- putReq{key: key, val: val, opts: opts}
}

func (L *LRU) Delete(key string) {
	L.delCh <- delReq{key: key}
}

// Close stops the cache goroutine. The cache must not be used afterwards.
func (L *LRU) Close() {
	close(L.closeCh)
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}

	l := &LRU{
		getCh:   make(chan getReq),
		putCh:   make(chan putReq),
		delCh:   make(chan delReq),
		closeCh: make(chan struct{}),
	}

	go l.run(opts.Size)

	return l
}

func (L *LRU) run(size int) {
	ll := list.New()
	items := make(map[string]*list.Element)

	remove := func(ele *list.Element) {
		ll.Remove(ele)
		delete(items, ele.Value.(*entry).key)
	}

	for {
		select {
		case <-L.closeCh:
			return

		case req := <-L.getCh:
			ele, ok := items[req.key]
			if !ok {
				req.resp <- getResp{ok: false}
				continue
			}
			e := ele.Value.(*entry)
			if e.expired(time.Now()) {
				remove(ele)
				req.resp <- getResp{ok: false}
				continue
			}
			ll.MoveToFront(ele)
			req.resp <- getResp{val: e.val, ok: true}

		case req := <-L.putCh:
			options := PutOptions{}
			for _, opt := range req.opts {
				opt(&options)
			}
			var deadline time.Time
			if options.TTL > 0 {
				deadline = time.Now().Add(options.TTL)
			}

			if ele, ok := items[req.key]; ok {
				ll.MoveToFront(ele)
				e := ele.Value.(*entry)
				e.val = req.val
				e.deadline = deadline
			} else {
				ele := ll.PushFront(&entry{key: req.key, val: req.val, deadline: deadline})
				items[req.key] = ele
				if ll.Len() > size {
					if last := ll.Back(); last != nil {
						remove(last)
					}
				}
			}

		case req := <-L.delCh:
			if ele, ok := items[req.key]; ok {
				remove(ele)
			}
		}
	}
}

var _ Cache = (*LRU)(nil)
