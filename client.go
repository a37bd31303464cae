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
	"fmt"
	"net/url"

	"github.com/go-logr/logr"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
)

const defaultPoolSize = 1

// tracerName identifies this package's spans to whatever exporter the
// caller's TracerProvider is wired to.
const tracerName = "github.com/cbtclient/go-cbt"

// Client is a client for reading and writing data to tables in an instance.
//
// A Client is safe to use concurrently, except for its Close method.
type Client struct {
	pool              *connPool
	conn              *grpc.ClientConn
	client            btpb.BigtableClient
	project, instance string
	appProfile        string

	retryPolicy   RetryPolicy
	backoffPolicy BackoffPolicy
	idemPolicy    MutationIdempotencyPolicy

	logger logr.Logger
	tracer trace.Tracer
}

// ClientConfig has configurations for the client.
type ClientConfig struct {
	// AppProfile is the id of the app profile to associate with all data
	// operations sent from this client. If unspecified, the default app
	// profile for the instance is used.
	AppProfile string

	// PoolSize is the channel pool cardinality. Zero means defaultPoolSize.
	PoolSize int

	// RetryPolicy and BackoffPolicy are cloned at the start of every
	// operation. Nil means the package defaults.
	RetryPolicy   RetryPolicy
	BackoffPolicy BackoffPolicy

	// MutationIdempotencyPolicy classifies mutations for bulk and
	// single-row writes. Nil means DefaultIdempotentMutationPolicy.
	MutationIdempotencyPolicy MutationIdempotencyPolicy

	// Logger receives structured diagnostics for retries, stream restarts
	// and bulk-mutation bookkeeping. The zero value discards everything.
	Logger logr.Logger

	// TracerProvider supplies the OpenTelemetry tracer used to wrap every
	// public operation. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

// NewClient creates a new Client for a given project and instance, with the
// default ClientConfig.
func NewClient(ctx context.Context, project, instance string, opts ...option.ClientOption) (*Client, error) {
	return NewClientWithConfig(ctx, project, instance, ClientConfig{}, opts...)
}

// NewClientWithConfig creates a new client with the given config.
func NewClientWithConfig(ctx context.Context, project, instance string, config ClientConfig, opts ...option.ClientOption) (*Client, error) {
	poolSize := config.PoolSize
	if poolSize == 0 {
		poolSize = defaultPoolSize
	}
	pool := newConnPool(prodAddr, poolSize, opts...)
	// Dial eagerly so construction errors surface immediately. The Client
	// keeps this first channel for its data-plane stub and for
	// Table.IAM(); it does not call conn() again.
	conn, err := pool.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialing: %w", err)
	}

	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	retryPolicy := config.RetryPolicy
	if retryPolicy == nil {
		retryPolicy = defaultRetryPolicy()
	}
	backoffPolicy := config.BackoffPolicy
	if backoffPolicy == nil {
		backoffPolicy = defaultBackoffPolicy()
	}
	idemPolicy := config.MutationIdempotencyPolicy
	if idemPolicy == nil {
		idemPolicy = DefaultIdempotentMutationPolicy{}
	}

	return &Client{
		pool:          pool,
		conn:          conn,
		client:        btpb.NewBigtableClient(conn),
		project:       project,
		instance:      instance,
		appProfile:    config.AppProfile,
		retryPolicy:   retryPolicy,
		backoffPolicy: backoffPolicy,
		idemPolicy:    idemPolicy,
		logger:        config.Logger,
		tracer:        tp.Tracer(tracerName),
	}, nil
}

// Close closes the Client, releasing its channel pool.
func (c *Client) Close() error {
	return c.pool.close()
}

const prodAddr = "wcdb.googleapis.com:443"

func (c *Client) fullTableName(table string) string {
	return fmt.Sprintf("projects/%s/instances/%s/tables/%s", c.project, c.instance, table)
}

func (c *Client) requestParamsHeaderValue(table string) string {
	return fmt.Sprintf("table_name=%s&app_profile_id=%s", url.QueryEscape(c.fullTableName(table)), url.QueryEscape(c.appProfile))
}

func mergeOutgoingMetadata(ctx context.Context, mds ...metadata.MD) context.Context {
	ctxMD, _ := metadata.FromOutgoingContext(ctx)
	allMDs := append([]metadata.MD{ctxMD}, mds...)
	return metadata.NewOutgoingContext(ctx, metadata.Join(allMDs...))
}

// Table refers to a table.
//
// A Table is safe to use concurrently.
type Table struct {
	c     *Client
	table string
	md    metadata.MD
}

// Open opens a table.
func (c *Client) Open(table string) *Table {
	return &Table{
		c:     c,
		table: table,
		md: metadata.Join(metadata.Pairs(
			resourcePrefixHeader, c.fullTableName(table),
			requestParamsHeader, c.requestParamsHeaderValue(table),
		)),
	}
}
