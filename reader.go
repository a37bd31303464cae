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
	"io"
	"time"

	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/grpc/status"
)

// ReadIterationStats describes how much of a table a read actually scanned,
// as opposed to how much it returned.
type ReadIterationStats struct {
	CellsReturnedCount int64
	CellsSeenCount     int64
	RowsReturnedCount  int64
	RowsSeenCount      int64
}

// RequestLatencyStats measures how long a request took on the server side.
type RequestLatencyStats struct {
	FrontendServerLatency time.Duration
}

// FullReadStats captures all known information about a read, when
// requested with WithFullReadStats.
type FullReadStats struct {
	ReadIterationStats  ReadIterationStats
	RequestLatencyStats RequestLatencyStats
}

func makeFullReadStats(reqStats *btpb.RequestStats) FullReadStats {
	view := reqStats.GetFullReadStatsView()
	read := view.GetReadIterationStats()
	latency := view.GetRequestLatencyStats()
	stats := FullReadStats{
		ReadIterationStats: ReadIterationStats{
			CellsReturnedCount: read.GetCellsReturnedCount(),
			CellsSeenCount:     read.GetCellsSeenCount(),
			RowsReturnedCount:  read.GetRowsReturnedCount(),
			RowsSeenCount:      read.GetRowsSeenCount(),
		},
	}
	if d := latency.GetFrontendServerLatency(); d != nil {
		stats.RequestLatencyStats.FrontendServerLatency = d.AsDuration()
	}
	return stats
}

// FullReadStatsFunc receives a FullReadStats once a read completes.
type FullReadStatsFunc func(*FullReadStats)

// readSettings collects what ReadOptions mutate before a ReadRows request
// is sent.
type readSettings struct {
	filter            *btpb.RowFilter
	limit             int64
	fullReadStatsFunc FullReadStatsFunc
}

// ReadOption is an optional argument to ReadRows.
type ReadOption interface {
	set(settings *readSettings)
}

// RowFilter returns a ReadOption that applies f to the contents of read
// rows. If multiple RowFilters are provided, only the last is used; to
// combine filters use ChainFilters or InterleaveFilters.
func RowFilter(f Filter) ReadOption { return rowFilterOpt{f} }

type rowFilterOpt struct{ f Filter }

func (o rowFilterOpt) set(s *readSettings) { s.filter = o.f.proto() }

// LimitRows returns a ReadOption that caps the number of rows read.
func LimitRows(limit int64) ReadOption { return limitRowsOpt{limit} }

type limitRowsOpt struct{ limit int64 }

func (o limitRowsOpt) set(s *readSettings) { s.limit = o.limit }

// WithFullReadStats returns a ReadOption that requests FullReadStats and
// invokes f with the result once the read completes.
func WithFullReadStats(f FullReadStatsFunc) ReadOption { return withFullReadStatsOpt{f} }

type withFullReadStatsOpt struct{ f FullReadStatsFunc }

func (o withFullReadStatsOpt) set(s *readSettings) { s.fullReadStatsFunc = o.f }

// ReadRows reads rows from a table. f is called for each row, serially, in
// increasing row-key order; f owns its argument. If f returns false the
// stream is cancelled and ReadRows returns nil: the caller chose to stop,
// that is not a failure.
//
// By default the yielded rows contain every cell. Use RowFilter to narrow
// what's returned.
//
// A mid-stream failure restarts the scan from just after the last row this
// call has already delivered to f, using RowSet.retainRowsAfter to clip the
// row set and the remaining row-limit budget to cap the new request, so a
// retried read never redelivers a row or reads past the original limit.
func (t *Table) ReadRows(ctx context.Context, arg RowSet, f func(Row) bool, opts ...ReadOption) error {
	ctx = mergeOutgoingMetadata(ctx, t.md)
	ctx, span := t.c.tracer.Start(ctx, "cbt.ReadRows")
	defer span.End()

	if !arg.valid() {
		return nil
	}

	var settings readSettings
	for _, opt := range opts {
		opt.set(&settings)
	}

	retry := t.c.retryPolicy.Clone()
	backoff := t.c.backoffPolicy.Clone()
	md := newTableMetadataPolicy(t.c, t.table)

	remaining := settings.limit
	stopped := false

	for {
		attemptCtx := md.Apply(ctx)

		req := &btpb.ReadRowsRequest{
			TableName:    t.c.fullTableName(t.table),
			AppProfileId: t.c.appProfile,
			Rows:         arg.proto(),
			Filter:       settings.filter,
		}
		if settings.limit > 0 {
			req.RowsLimit = remaining
		}
		if settings.fullReadStatsFunc != nil {
			req.RequestStatsView = btpb.ReadRowsRequest_REQUEST_STATS_FULL
		}

		lastRowKey, delivered, err := t.readRowsOnce(attemptCtx, req, &settings, f, &stopped)
		t.c.logger.V(1).Info("read rows attempt complete", "table", t.table, "err", err)

		if stopped || err == nil {
			return nil
		}

		if settings.limit > 0 {
			remaining -= delivered
			if remaining <= 0 {
				return nil
			}
		}
		arg = arg.retainRowsAfter(lastRowKey)
		if !arg.valid() {
			return nil
		}

		if !retry.OnFailure(err) {
			return err
		}
		delay := backoff.OnFailure(err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

// readRowsOnce drives one streaming attempt to completion (or failure). It
// returns the last row key observed (committed, or merely scanned past via
// LastScannedRowKey) and the number of rows delivered to f, so the caller
// can clip the row set and shrink the row-limit budget before retrying.
func (t *Table) readRowsOnce(ctx context.Context, req *btpb.ReadRowsRequest, settings *readSettings, f func(Row) bool, stopped *bool) (string, int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := t.c.client.ReadRows(ctx, req)
	if err != nil {
		return "", 0, err
	}

	cr := newChunkReader()
	var lastRowKey string
	var delivered int64

	for {
		res, err := stream.Recv()
		if err == io.EOF {
			if err := cr.HandleEndOfStream(); err != nil {
				return lastRowKey, delivered, err
			}
			return lastRowKey, delivered, nil
		}
		if err != nil {
			return lastRowKey, delivered, err
		}

		for _, cc := range res.Chunks {
			if err := cr.HandleChunk(cc); err != nil {
				return lastRowKey, delivered, err
			}
			if !cr.HasNext() {
				continue
			}
			row := cr.Next()
			lastRowKey = row.Key()
			delivered++
			if !f(row) {
				*stopped = true
				cancel()
				drainStream(stream)
				return lastRowKey, delivered, nil
			}
		}

		if len(res.LastScannedRowKey) > 0 {
			lastRowKey = string(res.LastScannedRowKey)
		}

		if res.RequestStats != nil && settings.fullReadStatsFunc != nil {
			stats := makeFullReadStats(res.RequestStats)
			settings.fullReadStatsFunc(&stats)
		}
	}
}

// drainStream reads until the (now-cancelled) stream ends, so the
// underlying transport can reclaim its flow-control window. The caller has
// already decided to stop; any further error here is not reported.
func drainStream(stream btpb.Bigtable_ReadRowsClient) {
	for {
		if _, err := stream.Recv(); err != nil {
			return
		}
	}
}

// ReadRow is a convenience wrapper around ReadRows for reading a single
// row. A missing row returns a nil Row and a nil error.
func (t *Table) ReadRow(ctx context.Context, row string, opts ...ReadOption) (Row, error) {
	var r Row
	opts = append([]ReadOption{LimitRows(1)}, opts...)
	err := t.ReadRows(ctx, SingleRow(row), func(rr Row) bool {
		r = rr
		return true
	}, opts...)
	return r, err
}

// SampleRowKeys returns a sample of row keys in the table. The returned
// row keys delimit contiguous sections of the table of approximately equal
// size, which can be used to break up the data for distributed tasks like
// mapreduces. Each attempt restarts the sample from scratch; a partial
// sample from a failed stream is discarded, never merged.
func (t *Table) SampleRowKeys(ctx context.Context) ([]string, error) {
	ctx = mergeOutgoingMetadata(ctx, t.md)
	ctx, span := t.c.tracer.Start(ctx, "cbt.SampleRowKeys")
	defer span.End()

	md := newTableMetadataPolicy(t.c, t.table)
	var sampledRowKeys []string
	err := callOwning(ctx, t.c, md, "SampleRowKeys", func(ctx context.Context) error {
		sampledRowKeys = nil
		req := &btpb.SampleRowKeysRequest{
			TableName:    t.c.fullTableName(t.table),
			AppProfileId: t.c.appProfile,
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := t.c.client.SampleRowKeys(ctx, req)
		if err != nil {
			return err
		}
		for {
			res, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			key := string(res.RowKey)
			if key == "" {
				continue
			}
			sampledRowKeys = append(sampledRowKeys, key)
		}
	})
	return sampledRowKeys, err
}
