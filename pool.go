/*
Copyright 2015 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cbt

import (
	"context"
	"sync"

	"google.golang.org/api/option"
	gtransport "google.golang.org/api/transport/grpc"
	"google.golang.org/grpc"
)

// connPool amortizes connection setup across many RPCs issued through one
// Client by maintaining size long-lived gRPC channels and handing out stub
// handles round-robin. There is no liveness check at dispatch time: the
// transport layer is assumed to hide per-channel reconnection.
type connPool struct {
	endpoint string
	size     int
	opts     []option.ClientOption

	mu    sync.Mutex
	conns []*grpc.ClientConn
	next  int
}

func newConnPool(endpoint string, size int, opts ...option.ClientOption) *connPool {
	if size < 1 {
		size = 1
	}
	return &connPool{endpoint: endpoint, size: size, opts: opts}
}

// dial builds size independent connections. It must never be called while
// p.mu is held: socket setup can block for the duration of a DNS lookup or
// TCP handshake, and holding a lock across network I/O is exactly the bug
// this pool is designed to avoid.
func (p *connPool) dial(ctx context.Context) ([]*grpc.ClientConn, error) {
	conns := make([]*grpc.ClientConn, 0, p.size)
	for i := 0; i < p.size; i++ {
		opts := append(append([]option.ClientOption{}, p.opts...), option.WithGRPCConnectionPool(1))
		conn, err := gtransport.Dial(ctx, opts...)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// conn lazily initializes the pool on first call and hands back the next
// channel round-robin. Concurrent callers racing to initialize all see
// exactly one surviving pool; losers' speculative dials are closed.
func (p *connPool) conn(ctx context.Context) (*grpc.ClientConn, error) {
	p.mu.Lock()
	if p.conns != nil {
		c := p.conns[p.next%len(p.conns)]
		p.next++
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	conns, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns != nil {
		// Another goroutine won the race; discard ours.
		for _, c := range conns {
			c.Close()
		}
	} else {
		p.conns = conns
	}
	c := p.conns[p.next%len(p.conns)]
	p.next++
	return c, nil
}

// reset drops the pool. A subsequent conn call lazily rebuilds it. Used by
// tests and as a hook for future credential-rotation support.
func (p *connPool) reset() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.next = 0
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (p *connPool) close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
