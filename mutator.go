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
	"errors"
	"fmt"
	"io"
	"time"

	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// bulkEntry pairs one row's mutation entry with its outcome so far.
// resolved is false until a status for this entry has been assigned for
// the current attempt; err is only meaningful once resolved is true.
type bulkEntry struct {
	entry      *btpb.MutateRowsRequest_Entry
	idempotent bool
	resolved   bool
	err        error
}

// ApplyBulk applies multiple Mutations. The entries are split
// transparently into requests of at most 100,000 mutations each; an entry
// is never split, and an entry with more mutations than that is sent in a
// request of its own. Each
// mutation is applied atomically, but the set of mutations may be applied
// in any order relative to one another.
//
// Two kinds of failure are possible. If the whole operation could not be
// attempted, (nil, err) is returned. If it was attempted but some entries
// failed, ([]error, nil) is returned with errs indexed the same as rowKeys
// and muts; a nil entry in errs means that row's mutation succeeded. An
// entry whose error wraps ErrIndeterminate never received a status from
// the server: either its mutations are non-idempotent and the stream ended
// before its status arrived, or it had not received any status when the
// retry policy refused another attempt. It may or may not have applied.
//
// Conditional mutations cannot be applied in bulk; providing one is an
// error.
func (t *Table) ApplyBulk(ctx context.Context, rowKeys []string, muts []*Mutation, opts ...ApplyOption) ([]error, error) {
	ctx = mergeOutgoingMetadata(ctx, t.md)
	ctx, span := t.c.tracer.Start(ctx, "cbt.ApplyBulk")
	defer span.End()

	if len(rowKeys) != len(muts) {
		return nil, fmt.Errorf("cbt: mismatched rowKeys and mutation array lengths: %d, %d", len(rowKeys), len(muts))
	}

	origEntries := make([]*bulkEntry, len(rowKeys))
	for i, key := range rowKeys {
		mut := muts[i]
		if mut.cond != nil {
			return nil, errors.New("cbt: conditional mutations cannot be applied in bulk")
		}
		origEntries[i] = &bulkEntry{
			entry:      &btpb.MutateRowsRequest_Entry{RowKey: []byte(key), Mutations: mut.ops},
			idempotent: mut.isIdempotent(t.c.idemPolicy),
		}
	}

	for _, group := range groupEntries(origEntries, maxMutations) {
		if err := t.applyBulkGroup(ctx, group, opts...); err != nil {
			return nil, err
		}
	}

	var errs []error
	var foundErr bool
	for _, e := range origEntries {
		if e.err != nil {
			foundErr = true
		}
		errs = append(errs, e.err)
	}
	if foundErr {
		return errs, nil
	}
	return nil, nil
}

// applyBulkGroup drives one request-sized group of entries to a final,
// per-entry resolution: success, a permanent per-entry error, or — for
// entries whose retry budget or idempotency ran out before the server
// sent them any status — an indeterminate outcome. Entries still failing
// with a retryable per-entry error when the retry policy refuses another
// attempt keep that error. It never returns an error for an individual
// entry's failure; a non-nil return means the context ended while the
// group was waiting to retry, and no per-entry results are reported.
func (t *Table) applyBulkGroup(ctx context.Context, group []*bulkEntry, opts ...ApplyOption) error {
	retry := t.c.retryPolicy.Clone()
	backoff := t.c.backoffPolicy.Clone()
	md := newTableMetadataPolicy(t.c, t.table)

	pending := group
	for {
		attemptCtx := md.Apply(ctx)

		streamErr := t.mutateRowsOnce(attemptCtx, pending, opts...)

		var next []*bulkEntry
		for _, e := range pending {
			if !e.resolved {
				if e.idempotent {
					next = append(next, e)
				} else {
					e.resolved = true
					e.err = newIndeterminateError()
				}
				continue
			}
			if e.err != nil && e.idempotent && isRetryableCode(e.err) {
				e.resolved = false
				next = append(next, e)
			}
		}
		t.c.logger.V(1).Info("bulk mutation attempt complete",
			"table", t.table, "entries", len(pending), "pending", len(next), "err", streamErr)

		if len(next) == 0 {
			return nil
		}
		if streamErr == nil {
			streamErr = status.Error(codes.Unavailable, "cbt: bulk mutation has entries pending retry")
		}
		if !retry.OnFailure(streamErr) {
			for _, e := range next {
				e.resolved = true
				if e.err == nil {
					e.err = newIndeterminateError()
				}
			}
			return nil
		}

		delay := backoff.OnFailure(streamErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
		pending = next
	}
}

// mutateRowsOnce sends one MutateRows request for pending and assigns
// resolved/err on each entry as its status arrives. Its return value is a
// transport-level failure (the stream itself broke); per-entry failures
// are recorded on the entries, not returned here.
func (t *Table) mutateRowsOnce(ctx context.Context, pending []*bulkEntry, opts ...ApplyOption) error {
	after := func(res proto.Message) {
		for _, o := range opts {
			o.after(res)
		}
	}

	entries := make([]*btpb.MutateRowsRequest_Entry, len(pending))
	for i, e := range pending {
		entries[i] = e.entry
	}
	req := &btpb.MutateRowsRequest{
		TableName:    t.c.fullTableName(t.table),
		AppProfileId: t.c.appProfile,
		Entries:      entries,
	}
	stream, err := t.c.client.MutateRows(ctx, req)
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
		for _, entry := range res.Entries {
			if int(entry.Index) < 0 || int(entry.Index) >= len(pending) {
				continue
			}
			e := pending[entry.Index]
			e.resolved = true
			s := entry.Status
			if s == nil || codes.Code(s.Code) == codes.OK {
				e.err = nil
			} else {
				e.err = status.Error(codes.Code(s.Code), s.Message)
			}
		}
		after(res)
	}
}

// groupEntries splits entries into groups of at most maxSize total
// mutations without splitting any single entry across groups.
func groupEntries(entries []*bulkEntry, maxSize int) [][]*bulkEntry {
	var (
		res   [][]*bulkEntry
		start int
		gmuts int
	)
	addGroup := func(end int) {
		if end-start > 0 {
			res = append(res, entries[start:end])
			start = end
			gmuts = 0
		}
	}
	for i, e := range entries {
		emuts := len(e.entry.Mutations)
		if gmuts+emuts > maxSize {
			addGroup(i)
		}
		gmuts += emuts
	}
	addGroup(len(entries))
	return res
}
