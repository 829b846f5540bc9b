// Package cursor provides the lazy document sequence consumed and produced by pipelines.
package cursor

import (
	"context"
	"errors"
	"sync"
)

// Document is a JSON-like document.
type Document = map[string]any

// ErrExhausted is returned by Next when the cursor has no more documents.
var ErrExhausted = errors.New("cursor exhausted")

// Cursor is a lazy, forward-only sequence of documents. Cursors are not safe for concurrent use.
type Cursor interface {
	// HasNext reports whether Next would return a document.
	HasNext(ctx context.Context) (bool, error)
	// Next returns the next document, or ErrExhausted.
	Next(ctx context.Context) (Document, error)
	// Fetch returns at most count documents; fewer are returned only at the end of the sequence.
	Fetch(ctx context.Context, count int) ([]Document, error)
	// Close releases the resources held by the cursor.
	Close() error
}

// PullFunc produces the next document of a sequence. It returns ErrExhausted at the end.
type PullFunc func(ctx context.Context) (Document, error)

// funcCursor adapts a pull function into a cursor with a one-element lookahead.
type funcCursor struct {
	pull    PullFunc
	close   func() error
	next    Document
	peeked  bool
	done    bool
	err     error
	closeMu sync.Once
}

// FromFunc creates a cursor from a pull function. The close function may be nil.
func FromFunc(pull PullFunc, close func() error) Cursor {
	return &funcCursor{pull: pull, close: close}
}

// FromSlice creates a cursor over a slice of documents.
func FromSlice(docs []Document) Cursor {
	i := 0
	return FromFunc(func(_ context.Context) (Document, error) {
		if i >= len(docs) {
			return nil, ErrExhausted
		}
		d := docs[i]
		i++
		return d, nil
	}, nil)
}

// Empty returns an exhausted cursor.
func Empty() Cursor { return FromSlice(nil) }

func (c *funcCursor) peek(ctx context.Context) error {
	if c.peeked || c.done {
		return c.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d, err := c.pull(ctx)
	switch {
	case errors.Is(err, ErrExhausted):
		c.done = true
	case err != nil:
		// errors are sticky
		c.done, c.err = true, err
	default:
		c.next, c.peeked = d, true
	}
	return c.err
}

func (c *funcCursor) HasNext(ctx context.Context) (bool, error) {
	if err := c.peek(ctx); err != nil {
		return false, err
	}
	return c.peeked, nil
}

func (c *funcCursor) Next(ctx context.Context) (Document, error) {
	if err := c.peek(ctx); err != nil {
		return nil, err
	}
	if !c.peeked {
		return nil, ErrExhausted
	}
	d := c.next
	c.next, c.peeked = nil, false
	return d, nil
}

func (c *funcCursor) Fetch(ctx context.Context, count int) ([]Document, error) {
	ret := []Document{}
	for len(ret) < count {
		d, err := c.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			return nil, err
		}
		ret = append(ret, d)
	}
	return ret, nil
}

func (c *funcCursor) Close() error {
	var err error
	c.closeMu.Do(func() {
		c.done, c.peeked, c.next = true, false, nil
		if c.close != nil {
			err = c.close()
		}
	})
	return err
}

// Collect drains a cursor into a slice and closes it.
func Collect(ctx context.Context, c Cursor) ([]Document, error) {
	defer c.Close()

	ret := []Document{}
	for {
		d, err := c.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			return ret, nil
		}
		if err != nil {
			return nil, err
		}
		ret = append(ret, d)
	}
}
