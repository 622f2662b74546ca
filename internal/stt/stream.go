package stt

import (
	"context"
	"sync"
)

// replay records chunks read from src so later consumers can start over from
// the first chunk. Only one feed reads src at a time; a new feed waits for the
// previous one to stop.
type replay struct {
	src  <-chan []byte
	mu   sync.Mutex
	buf  [][]byte
	eof  bool
	prev chan struct{}
}

func newReplay(src <-chan []byte, first []byte) *replay {
	return &replay{src: src, buf: [][]byte{first}}
}

func (r *replay) feed(ctx context.Context) <-chan []byte {
	out := make(chan []byte)
	done := make(chan struct{})
	r.mu.Lock()
	wait := r.prev
	r.prev = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer close(out)
		if wait != nil {
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
		for i := 0; ; i++ {
			chunk, ok := r.chunk(ctx, i)
			if !ok {
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// chunk returns the i-th chunk, pulling from src when it has not been read yet.
func (r *replay) chunk(ctx context.Context, i int) ([]byte, bool) {
	r.mu.Lock()
	if i < len(r.buf) {
		c := r.buf[i]
		r.mu.Unlock()
		return c, true
	}
	eof := r.eof
	r.mu.Unlock()
	if eof {
		return nil, false
	}
	for {
		select {
		case c, ok := <-r.src:
			r.mu.Lock()
			if !ok {
				r.eof = true
				r.mu.Unlock()
				return nil, false
			}
			if len(c) == 0 {
				r.mu.Unlock()
				continue
			}
			r.buf = append(r.buf, c)
			r.mu.Unlock()
			return c, true
		case <-ctx.Done():
			return nil, false
		}
	}
}

func firstChunk(ctx context.Context, chunks <-chan []byte) ([]byte, bool) {
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return nil, false
			}
			if len(c) > 0 {
				return c, true
			}
		case <-ctx.Done():
			return nil, false
		}
	}
}

func collect(ctx context.Context, feed <-chan []byte) ([]byte, error) {
	var audio []byte
	for {
		select {
		case c, ok := <-feed:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return audio, nil
			}
			audio = append(audio, c...)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
