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
	"time"

	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/protobuf/proto"
)

// Timestamp is in units of microseconds since 1 January 1970.
type Timestamp int64

// ServerTime is a specific Timestamp that may be passed to (*Mutation).Set.
// It indicates that the server's timestamp should be used — which also
// makes the mutation non-idempotent, since a retried attempt would be
// assigned a different timestamp than the original.
const ServerTime Timestamp = -1

// Time converts a time.Time into a Timestamp.
func Time(t time.Time) Timestamp { return Timestamp(t.UnixNano() / 1e3) }

// Now returns the Timestamp representation of the current time.
func Now() Timestamp { return Time(time.Now()) }

// Time converts a Timestamp into a time.Time.
func (ts Timestamp) Time() time.Time { return time.Unix(int64(ts)/1e6, int64(ts)%1e6*1e3) }

// TruncateToMilliseconds truncates a Timestamp to millisecond granularity,
// the only granularity the server accepts.
func (ts Timestamp) TruncateToMilliseconds() Timestamp {
	if ts == ServerTime {
		return ts
	}
	return ts - ts%1000
}

// Mutation represents a set of changes for a single row of a table.
type Mutation struct {
	ops []*btpb.Mutation

	cond          Filter
	mtrue, mfalse *Mutation
}

// NewMutation returns a new, empty mutation.
func NewMutation() *Mutation { return new(Mutation) }

// NewCondMutation returns a conditional mutation: if cond matches any cell
// in the row, mtrue is applied, otherwise mfalse is. Either may be nil.
func NewCondMutation(cond Filter, mtrue, mfalse *Mutation) *Mutation {
	return &Mutation{cond: cond, mtrue: mtrue, mfalse: mfalse}
}

// Set sets a value in a specified column, with the given timestamp. The
// timestamp is truncated to millisecond granularity. A timestamp of
// ServerTime means to use the server timestamp, which makes this mutation
// non-idempotent.
func (m *Mutation) Set(family, column string, ts Timestamp, value []byte) {
	m.ops = append(m.ops, &btpb.Mutation{Mutation: &btpb.Mutation_SetCell_{SetCell: &btpb.Mutation_SetCell{
		FamilyName:      family,
		ColumnQualifier: []byte(column),
		TimestampMicros: int64(ts.TruncateToMilliseconds()),
		Value:           value,
	}}})
}

// DeleteCellsInColumn deletes all cells whose column is family:column.
func (m *Mutation) DeleteCellsInColumn(family, column string) {
	m.ops = append(m.ops, &btpb.Mutation{Mutation: &btpb.Mutation_DeleteFromColumn_{DeleteFromColumn: &btpb.Mutation_DeleteFromColumn{
		FamilyName:      family,
		ColumnQualifier: []byte(column),
	}}})
}

// DeleteTimestampRange deletes cells in family:column whose timestamps fall
// in the half-open interval [start, end). end of zero means infinity.
func (m *Mutation) DeleteTimestampRange(family, column string, start, end Timestamp) {
	m.ops = append(m.ops, &btpb.Mutation{Mutation: &btpb.Mutation_DeleteFromColumn_{DeleteFromColumn: &btpb.Mutation_DeleteFromColumn{
		FamilyName:      family,
		ColumnQualifier: []byte(column),
		TimeRange: &btpb.TimestampRange{
			StartTimestampMicros: int64(start.TruncateToMilliseconds()),
			EndTimestampMicros:   int64(end.TruncateToMilliseconds()),
		},
	}}})
}

// DeleteCellsInFamily deletes all cells whose column is family:*.
func (m *Mutation) DeleteCellsInFamily(family string) {
	m.ops = append(m.ops, &btpb.Mutation{Mutation: &btpb.Mutation_DeleteFromFamily_{DeleteFromFamily: &btpb.Mutation_DeleteFromFamily{
		FamilyName: family,
	}}})
}

// DeleteRow deletes the entire row.
func (m *Mutation) DeleteRow() {
	m.ops = append(m.ops, &btpb.Mutation{Mutation: &btpb.Mutation_DeleteFromRow_{DeleteFromRow: &btpb.Mutation_DeleteFromRow{}}})
}

// isIdempotent reports whether every operation in m is idempotent under
// policy. A conditional mutation is idempotent iff both branches are.
func (m *Mutation) isIdempotent(policy MutationIdempotencyPolicy) bool {
	if m.cond == nil {
		return mutationsAreIdempotent(policy, m.ops)
	}
	ok := true
	if m.mtrue != nil {
		ok = ok && mutationsAreIdempotent(policy, m.mtrue.ops)
	}
	if m.mfalse != nil {
		ok = ok && mutationsAreIdempotent(policy, m.mfalse.ops)
	}
	return ok
}

// ApplyOption is an optional argument to Apply.
type ApplyOption interface {
	after(res proto.Message)
}

type applyAfterFunc func(res proto.Message)

func (a applyAfterFunc) after(res proto.Message) { a(res) }

// GetCondMutationResult returns an ApplyOption that reports whether the
// conditional mutation's predicate matched.
func GetCondMutationResult(matched *bool) ApplyOption {
	return applyAfterFunc(func(res proto.Message) {
		if res, ok := res.(*btpb.CheckAndMutateRowResponse); ok {
			*matched = res.PredicateMatched
		}
	})
}

const maxMutations = 100000

// Apply mutates a row atomically. A mutation must contain at least one
// operation and at most 100,000 operations.
func (t *Table) Apply(ctx context.Context, row string, m *Mutation, opts ...ApplyOption) error {
	ctx = mergeOutgoingMetadata(ctx, t.md)
	ctx, span := t.c.tracer.Start(ctx, "cbt.Apply")
	defer span.End()

	after := func(res proto.Message) {
		for _, o := range opts {
			o.after(res)
		}
	}
	md := newTableMetadataPolicy(t.c, t.table)

	if m.cond == nil {
		req := &btpb.MutateRowRequest{
			TableName:    t.c.fullTableName(t.table),
			AppProfileId: t.c.appProfile,
			RowKey:       []byte(row),
			Mutations:    m.ops,
		}
		retry, backoff := t.retryBackoffFor(m.isIdempotent(t.c.idemPolicy))
		var res *btpb.MutateRowResponse
		err := callBorrowed(ctx, retry, backoff, md, t.c.logger, "Apply", func(ctx context.Context) error {
			var err error
			res, err = t.c.client.MutateRow(ctx, req)
			return err
		})
		if err == nil {
			after(res)
		}
		return err
	}

	req := &btpb.CheckAndMutateRowRequest{
		TableName:       t.c.fullTableName(t.table),
		AppProfileId:    t.c.appProfile,
		RowKey:          []byte(row),
		PredicateFilter: m.cond.proto(),
	}
	if m.mtrue != nil {
		if m.mtrue.cond != nil {
			return errors.New("cbt: conditional mutations cannot be nested")
		}
		req.TrueMutations = m.mtrue.ops
	}
	if m.mfalse != nil {
		if m.mfalse.cond != nil {
			return errors.New("cbt: conditional mutations cannot be nested")
		}
		req.FalseMutations = m.mfalse.ops
	}
	// A conditional mutation is never retried: the predicate is evaluated
	// against live row state, so a replay could take the other branch.
	var cmRes *btpb.CheckAndMutateRowResponse
	err := callBorrowed(ctx, noRetryPolicy{}, noBackoffPolicy{}, md, t.c.logger, "Apply", func(ctx context.Context) error {
		var err error
		cmRes, err = t.c.client.CheckAndMutateRow(ctx, req)
		return err
	})
	if err == nil {
		after(cmRes)
	}
	return err
}

// retryBackoffFor returns a freshly cloned policy pair, or a non-retrying
// pair if idempotent is false: a non-idempotent mutation must never be
// silently replayed by the retry loop.
func (t *Table) retryBackoffFor(idempotent bool) (RetryPolicy, BackoffPolicy) {
	if !idempotent {
		return noRetryPolicy{}, noBackoffPolicy{}
	}
	return t.c.retryPolicy.Clone(), t.c.backoffPolicy.Clone()
}

type noRetryPolicy struct{}

func (noRetryPolicy) Clone() RetryPolicy   { return noRetryPolicy{} }
func (noRetryPolicy) OnFailure(error) bool { return false }

type noBackoffPolicy struct{}

func (noBackoffPolicy) Clone() BackoffPolicy          { return noBackoffPolicy{} }
func (noBackoffPolicy) OnFailure(error) time.Duration { return 0 }

// decodeFamilyProto adds the cell data from f to the given row.
func decodeFamilyProto(r Row, row string, f *btpb.Family) {
	fam := f.Name
	for _, col := range f.Columns {
		for _, cell := range col.Cells {
			ri := ReadItem{
				Row:       row,
				Column:    fam + ":" + string(col.Qualifier),
				Timestamp: Timestamp(cell.TimestampMicros),
				Value:     cell.Value,
				Labels:    cell.Labels,
			}
			r[fam] = append(r[fam], ri)
		}
	}
}

// ReadModifyWrite represents a set of non-idempotent operations on a single
// row: applied values depend on the row's current state at the server, not
// just the caller's intent, so these are never retried transparently.
type ReadModifyWrite struct {
	ops []*btpb.ReadModifyWriteRule
}

// NewReadModifyWrite returns a new ReadModifyWrite.
func NewReadModifyWrite() *ReadModifyWrite { return new(ReadModifyWrite) }

// AppendValue appends v to a cell's existing value (treated as empty if
// unset).
func (m *ReadModifyWrite) AppendValue(family, column string, v []byte) {
	m.ops = append(m.ops, &btpb.ReadModifyWriteRule{
		FamilyName:      family,
		ColumnQualifier: []byte(column),
		Rule:            &btpb.ReadModifyWriteRule_AppendValue{AppendValue: v},
	})
}

// Increment interprets a cell's value as a 64-bit big-endian signed
// integer (treated as zero if unset) and adds delta to it.
func (m *ReadModifyWrite) Increment(family, column string, delta int64) {
	m.ops = append(m.ops, &btpb.ReadModifyWriteRule{
		FamilyName:      family,
		ColumnQualifier: []byte(column),
		Rule:            &btpb.ReadModifyWriteRule_IncrementAmount{IncrementAmount: delta},
	})
}

// ApplyReadModifyWrite applies a ReadModifyWrite to a specific row and
// returns the newly written cells. Never retried: re-applying it would
// double-increment or double-append.
func (t *Table) ApplyReadModifyWrite(ctx context.Context, row string, m *ReadModifyWrite) (Row, error) {
	ctx = mergeOutgoingMetadata(ctx, t.md)
	req := &btpb.ReadModifyWriteRowRequest{
		TableName:    t.c.fullTableName(t.table),
		AppProfileId: t.c.appProfile,
		RowKey:       []byte(row),
		Rules:        m.ops,
	}
	res, err := t.c.client.ReadModifyWriteRow(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Row == nil {
		return nil, errors.New("cbt: unable to apply ReadModifyWrite: response row is nil")
	}
	r := make(Row)
	for _, fam := range res.Row.Families {
		decodeFamilyProto(r, row, fam)
	}
	return r, nil
}
