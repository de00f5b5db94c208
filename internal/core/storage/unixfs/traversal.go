package unixfs

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"

	"github.com/dep2p/go-webnode/pkg/types"
)

// Traversal 文件内容的单次深度优先遍历
//
//	t := fs.Cat(ctx, root)
//	defer t.Close()
//	for t.Next() {
//	    w.Write(t.Chunk())
//	}
//	if err := t.Err(); err != nil { ... }
//
// 块在 Next 时才读取。遍历不可并发使用；Close 可从任意 goroutine 调用。
type Traversal struct {
	fs     *FS
	ctx    context.Context
	cancel context.CancelFunc

	stack []frame
	chunk []byte
	err   error
	done  bool

	closed    atomic.Bool
	closeOnce sync.Once
}

type frame struct {
	links []*ipld.Link
	next  int
}

func newTraversal(ctx context.Context, fs *FS, root cid.Cid) *Traversal {
	ctx, cancel := context.WithCancel(ctx)
	return &Traversal{
		fs:     fs,
		ctx:    ctx,
		cancel: cancel,
		stack:  []frame{{links: []*ipld.Link{{Cid: root}}}},
	}
}

// Failed 返回一个以 err 结束、不产出任何块的遍历
func Failed(err error) *Traversal {
	return &Traversal{err: err, cancel: func() {}}
}

// Next 前进到下一个非空块，结束或出错时返回 false
func (t *Traversal) Next() bool {
	t.chunk = nil
	if t.done || t.err != nil || t.closed.Load() {
		return false
	}

	for len(t.stack) > 0 {
		if err := t.ctx.Err(); err != nil {
			return t.fail(err)
		}
		top := &t.stack[len(t.stack)-1]
		if top.next >= len(top.links) {
			t.stack = t.stack[:len(t.stack)-1]
			continue
		}
		c := top.links[top.next].Cid
		top.next++

		switch c.Type() {
		case cid.Raw:
			blk, err := t.fs.bs.Get(t.ctx, c)
			if err != nil {
				return t.fail(err)
			}
			if blk.Size() == 0 {
				continue
			}
			t.chunk = blk.RawData()
			return true

		case cid.DagProtobuf:
			n, err := t.fs.loadNode(t.ctx, c)
			if err != nil {
				return t.fail(err)
			}
			if len(n.links) > 0 {
				t.stack = append(t.stack, frame{links: n.links})
			}
			if len(n.data) > 0 {
				t.chunk = n.data
				return true
			}

		default:
			return t.fail(types.DecodeError(fmt.Sprintf("block %s: unsupported codec 0x%x", c, c.Type()), nil))
		}
	}

	t.done = true
	t.cancel()
	return false
}

func (t *Traversal) fail(err error) bool {
	if t.closed.Load() {
		// 关闭导致的取消不是错误
		return false
	}
	t.err = err
	t.cancel()
	return false
}

// Chunk 返回当前块内容，调用方不得修改
func (t *Traversal) Chunk() []byte { return t.chunk }

// Err 返回遍历中止的原因，正常结束或被关闭时为 nil
func (t *Traversal) Err() error { return t.err }

// Close 释放遍历，部分消费后关闭不是错误
func (t *Traversal) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()
	})
	return nil
}

// All 以迭代器形式产出全部块，出错时最后产出一次错误；迭代结束后遍历被关闭
func (t *Traversal) All() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		defer t.Close()
		for t.Next() {
			if !yield(t.Chunk(), nil) {
				return
			}
		}
		if err := t.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Reader 将遍历适配为 io.ReadCloser
func (t *Traversal) Reader() io.ReadCloser {
	return &reader{t: t}
}

type reader struct {
	t   *Traversal
	buf []byte
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if !r.t.Next() {
			if err := r.t.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		r.buf = r.t.Chunk()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *reader) Close() error { return r.t.Close() }
