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
	"testing"

	"github.com/cbtclient/go-cbt/internal/cbttest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestFullTableName(t *testing.T) {
	c := &Client{project: "p", instance: "i"}
	if got, want := c.fullTableName("t"), "projects/p/instances/i/tables/t"; got != want {
		t.Errorf("fullTableName: got %q, want %q", got, want)
	}
}

func TestRequestParamsHeaderValue(t *testing.T) {
	c := &Client{project: "p", instance: "i", appProfile: "profile/x"}
	got := c.requestParamsHeaderValue("t")
	want := "table_name=projects%2Fp%2Finstances%2Fi%2Ftables%2Ft&app_profile_id=profile%2Fx"
	if got != want {
		t.Errorf("requestParamsHeaderValue: got %q, want %q", got, want)
	}
}

func dialFake(t *testing.T) *grpc.ClientConn {
	t.Helper()
	srv, err := cbttest.NewServer("localhost:0")
	if err != nil {
		t.Fatalf("starting fake server: %v", err)
	}
	t.Cleanup(srv.Close)
	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dialing fake server: %v", err)
	}
	return conn
}

func TestConnPoolLazyInit(t *testing.T) {
	ctx := context.Background()
	conn := dialFake(t)

	p := newConnPool("ignored:443", 3, option.WithGRPCConn(conn))
	if p.conns != nil {
		t.Fatal("pool dialed before first conn call")
	}
	if _, err := p.conn(ctx); err != nil {
		t.Fatalf("conn: %v", err)
	}
	if got, want := len(p.conns), 3; got != want {
		t.Fatalf("pool size: got %d, want %d", got, want)
	}

	// Round-robin advances the handoff index on every call.
	before := p.next
	for i := 0; i < 5; i++ {
		if _, err := p.conn(ctx); err != nil {
			t.Fatalf("conn: %v", err)
		}
	}
	if got, want := p.next-before, 5; got != want {
		t.Errorf("handoff index advanced by %d, want %d", got, want)
	}
}

func TestConnPoolConcurrentInit(t *testing.T) {
	ctx := context.Background()
	conn := dialFake(t)

	p := newConnPool("ignored:443", 2, option.WithGRPCConn(conn))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.conn(ctx); err != nil {
				t.Errorf("conn: %v", err)
			}
		}()
	}
	wg.Wait()
	// Exactly one pool survives the race.
	if got, want := len(p.conns), 2; got != want {
		t.Errorf("pool size after race: got %d, want %d", got, want)
	}
}

func TestConnPoolReset(t *testing.T) {
	ctx := context.Background()
	conn := dialFake(t)

	p := newConnPool("ignored:443", 1, option.WithGRPCConn(conn))
	if _, err := p.conn(ctx); err != nil {
		t.Fatalf("conn: %v", err)
	}
	p.reset()
	if p.conns != nil {
		t.Fatal("pool not dropped by reset")
	}
	// A subsequent obtain lazily rebuilds.
	conn2 := dialFake(t)
	p.opts = []option.ClientOption{option.WithGRPCConn(conn2)}
	if _, err := p.conn(ctx); err != nil {
		t.Fatalf("conn after reset: %v", err)
	}
	if len(p.conns) != 1 {
		t.Fatal("pool not rebuilt after reset")
	}
}

func TestNewClientDefaults(t *testing.T) {
	ctx := context.Background()
	conn := dialFake(t)

	client, err := NewClient(ctx, "p", "i", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	if client.retryPolicy == nil || client.backoffPolicy == nil || client.idemPolicy == nil {
		t.Error("client missing default policies")
	}
	if _, ok := client.idemPolicy.(DefaultIdempotentMutationPolicy); !ok {
		t.Errorf("default idempotency policy is %T", client.idemPolicy)
	}
}
