/*
Copyright 2016 Google LLC

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
	"strings"
	"testing"
	"time"

	"github.com/cbtclient/go-cbt/internal/cbttest"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/option"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	rpcpb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func setupFakeServer(project, instance string, config ClientConfig, opt ...grpc.ServerOption) (tbl *Table, cleanup func(), err error) {
	srv, err := cbttest.NewServer("localhost:0", opt...)
	if err != nil {
		return nil, nil, err
	}
	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}

	client, err := NewClientWithConfig(context.Background(), project, instance, config, option.WithGRPCConn(conn))
	if err != nil {
		return nil, nil, err
	}

	adminClient, err := NewAdminClient(context.Background(), project, instance, option.WithGRPCConn(conn))
	if err != nil {
		return nil, nil, err
	}
	if err := adminClient.CreateTable(context.Background(), "table"); err != nil {
		return nil, nil, err
	}
	if err := adminClient.CreateColumnFamily(context.Background(), "table", "cf"); err != nil {
		return nil, nil, err
	}
	t := client.Open("table")

	cleanupFunc := func() {
		adminClient.Close()
		client.Close()
		srv.Close()
	}
	return t, cleanupFunc, nil
}

func setupDefaultFakeServer(opt ...grpc.ServerOption) (tbl *Table, cleanup func(), err error) {
	return setupFakeServer("client", "instance", ClientConfig{}, opt...)
}

func TestRetryApply(t *testing.T) {
	ctx := context.Background()

	errCount := 0
	code := codes.Unavailable // Will be retried
	// Intercept requests and return an error or defer to the underlying handler
	errInjector := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasSuffix(info.FullMethod, "MutateRow") && errCount < 3 {
			errCount++
			return nil, status.Errorf(code, "")
		}
		return handler(ctx, req)
	}
	tbl, cleanup, err := setupDefaultFakeServer(grpc.UnaryInterceptor(errInjector))
	if err != nil {
		t.Fatalf("fake server setup: %v", err)
	}
	defer cleanup()

	mut := NewMutation()
	mut.Set("cf", "col", 1000, []byte("val"))
	if err := tbl.Apply(ctx, "row1", mut); err != nil {
		t.Errorf("applying single mutation with retries: %v", err)
	}
	row, err := tbl.ReadRow(ctx, "row1")
	if err != nil {
		t.Errorf("reading single value with retries: %v", err)
	}
	if row == nil {
		t.Errorf("applying single mutation with retries: could not read back row")
	}

	code = codes.FailedPrecondition // Won't be retried
	errCount = 0
	if err := tbl.Apply(ctx, "row", mut); err == nil {
		t.Errorf("applying single mutation with no retries: no error")
	}

	// A non-idempotent mutation must not be replayed even on a retryable
	// code.
	niMut := NewMutation()
	niMut.Set("cf", "col", ServerTime, []byte("val"))
	code = codes.Unavailable
	errCount = 0
	if err := tbl.Apply(ctx, "row", niMut); err == nil {
		t.Errorf("applying non-idempotent mutation: no error")
	}

	// Check and mutate
	mutTrue := NewMutation()
	mutTrue.DeleteRow()
	mutFalse := NewMutation()
	mutFalse.Set("cf", "col", 1000, []byte("val"))
	condMut := NewCondMutation(ValueFilter(".*"), mutTrue, mutFalse)

	errCount = 0
	code = codes.Unavailable // Won't be retried
	if err := tbl.Apply(ctx, "row1", condMut); err == nil {
		t.Errorf("conditionally mutating row with no retries: no error")
	}

	errCount = 0
	code = codes.FailedPrecondition // Won't be retried
	if err := tbl.Apply(ctx, "row", condMut); err == nil {
		t.Errorf("conditionally mutating row with no retries: no error")
	}
}

// Test overall request failure and retries.
func TestRetryApplyBulk_OverallRequestFailure(t *testing.T) {
	ctx := context.Background()

	errCount := 0
	errInjector := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasSuffix(info.FullMethod, "MutateRows") {
			if errCount < 3 {
				errCount++
				return status.Errorf(codes.Aborted, "")
			}
		}
		return handler(srv, ss)
	}

	tbl, cleanup, err := setupDefaultFakeServer(grpc.StreamInterceptor(errInjector))
	if err != nil {
		t.Fatalf("fake server setup: %v", err)
	}
	defer cleanup()

	mut := NewMutation()
	mut.Set("cf", "col", 1, []byte{})
	errs, err := tbl.ApplyBulk(ctx, []string{"row2"}, []*Mutation{mut})
	if errs != nil || err != nil {
		t.Errorf("bulk with request failure: got: %v, %v, want: nil", errs, err)
	}
}

func TestRetryApplyBulk_FailuresAndRetriesInOneRequest(t *testing.T) {
	ctx := context.Background()

	errCount := 0
	errInjector := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasSuffix(info.FullMethod, "MutateRows") {
			var err error
			req := new(btpb.MutateRowsRequest)
			must(ss.RecvMsg(req))
			switch errCount {
			case 0:
				// Retryable request failure
				err = status.Errorf(codes.Unavailable, "")
			case 1:
				// Two mutations fail
				must(writeMutateRowsResponse(ss, codes.Unavailable, codes.OK, codes.Aborted))
				err = nil
			case 2:
				// Two failures were retried. One will succeed.
				if want, got := 2, len(req.Entries); want != got {
					t.Fatalf("2 bulk retries, got: %d, want %d", got, want)
				}
				must(writeMutateRowsResponse(ss, codes.OK, codes.Aborted))
				err = nil
			case 3:
				// One failure was retried and will succeed.
				if want, got := 1, len(req.Entries); want != got {
					t.Fatalf("1 bulk retry, got: %d, want %d", got, want)
				}
				must(writeMutateRowsResponse(ss, codes.OK))
				err = nil
			}
			errCount++
			return err
		}
		return handler(srv, ss)
	}

	tbl, cleanup, err := setupDefaultFakeServer(grpc.StreamInterceptor(errInjector))
	if err != nil {
		t.Fatalf("fake server setup: %v", err)
	}
	defer cleanup()

	m1 := NewMutation()
	m1.Set("cf", "col", 1, []byte{})
	m2 := NewMutation()
	m2.Set("cf", "col2", 1, []byte{})
	m3 := NewMutation()
	m3.Set("cf", "col3", 1, []byte{})
	errs, err := tbl.ApplyBulk(ctx, []string{"row1", "row2", "row3"}, []*Mutation{m1, m2, m3})
	if errs != nil || err != nil {
		t.Errorf("bulk with retries: got: %v, %v, want: nil", errs, err)
	}
}

func TestRetryApplyBulk_UnretryableErrors(t *testing.T) {
	ctx := context.Background()

	errCount := 0
	errInjector := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasSuffix(info.FullMethod, "MutateRows") {
			req := new(btpb.MutateRowsRequest)
			must(ss.RecvMsg(req))
			switch errCount {
			case 0:
				// A permanent error and a retryable error on a
				// non-idempotent entry. Nothing should be retried.
				must(writeMutateRowsResponse(ss, codes.FailedPrecondition, codes.Aborted))
			case 1:
				t.Fatalf("unretryable errors: got one retry, want no retries")
			}
			errCount++
			return nil
		}
		return handler(srv, ss)
	}

	tbl, cleanup, err := setupDefaultFakeServer(grpc.StreamInterceptor(errInjector))
	if err != nil {
		t.Fatalf("fake server setup: %v", err)
	}
	defer cleanup()

	m1 := NewMutation()
	m1.Set("cf", "col", 1, []byte{})
	niMut := NewMutation()
	niMut.Set("cf", "col", ServerTime, []byte{}) // Non-idempotent
	errs, err := tbl.ApplyBulk(ctx, []string{"row1", "row2"}, []*Mutation{m1, niMut})
	if err != nil {
		t.Fatalf("unretryable errors: request failed %v", err)
	}
	want := []error{
		status.Errorf(codes.FailedPrecondition, ""),
		status.Errorf(codes.Aborted, ""),
	}
	if !cmp.Equal(want, errs, cmp.Comparer(equalErrs)) {
		t.Errorf("unretryable errors: got: %v, want: %v", errs, want)
	}
}

// An idempotent entry whose per-entry status never arrives is silently
// retried on the next attempt.
func TestRetryApplyBulk_MissingStatusRetried(t *testing.T) {
	ctx := context.Background()

	errCount := 0
	errInjector := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasSuffix(info.FullMethod, "MutateRows") {
			req := new(btpb.MutateRowsRequest)
			must(ss.RecvMsg(req))
			switch errCount {
			case 0:
				// Entry 1's status never arrives.
				must(writeMutateRowsResponse(ss, codes.OK))
			case 1:
				if want, got := 1, len(req.Entries); want != got {
					t.Fatalf("missing-status retry, got: %d entries, want %d", got, want)
				}
				if want, got := "row2", string(req.Entries[0].RowKey); want != got {
					t.Fatalf("missing-status retry row key: got %q, want %q", got, want)
				}
				must(writeMutateRowsResponse(ss, codes.OK))
			}
			errCount++
			return nil
		}
		return handler(srv, ss)
	}

	tbl, cleanup, err := setupDefaultFakeServer(grpc.StreamInterceptor(errInjector))
	if err != nil {
		t.Fatalf("fake server setup: %v", err)
	}
	defer cleanup()

	m1 := NewMutation()
	m1.Set("cf", "col", 1, []byte{})
	m2 := NewMutation()
	m2.Set("cf", "col2", 1, []byte{})
	errs, err := tbl.ApplyBulk(ctx, []string{"row1", "row2"}, []*Mutation{m1, m2})
	if errs != nil || err != nil {
		t.Errorf("missing-status retry: got: %v, %v, want: nil", errs, err)
	}
}

// Non-idempotent entries are dropped from the pending set after one
// attempt: a missing status makes them indeterminate, a retryable failure
// makes them terminal.
func TestRetryApplyBulk_IdempotencyFiltering(t *testing.T) {
	ctx := context.Background()

	errCount := 0
	errInjector := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasSuffix(info.FullMethod, "MutateRows") {
			req := new(btpb.MutateRowsRequest)
			must(ss.RecvMsg(req))
			switch errCount {
			case 0:
				if want, got := 3, len(req.Entries); want != got {
					t.Fatalf("first attempt entries: got %d, want %d", got, want)
				}
				// Entry 2's status never arrives.
				must(writeMutateRowsResponse(ss, codes.Unavailable, codes.Unavailable))
			case 1:
				// Only the idempotent entry (original index 1) comes back.
				if want, got := 1, len(req.Entries); want != got {
					t.Fatalf("second attempt entries: got %d, want %d", got, want)
				}
				if want, got := "b", string(req.Entries[0].RowKey); want != got {
					t.Fatalf("second attempt row key: got %q, want %q", got, want)
				}
				must(writeMutateRowsResponse(ss, codes.OK))
			case 2:
				t.Fatalf("idempotency filtering: got a third attempt")
			}
			errCount++
			return nil
		}
		return handler(srv, ss)
	}

	tbl, cleanup, err := setupDefaultFakeServer(grpc.StreamInterceptor(errInjector))
	if err != nil {
		t.Fatalf("fake server setup: %v", err)
	}
	defer cleanup()

	ma := NewMutation()
	ma.Set("cf", "col", ServerTime, []byte{}) // Non-idempotent
	mb := NewMutation()
	mb.Set("cf", "col", 0, []byte{})
	mc := NewMutation()
	mc.Set("cf", "col", ServerTime, []byte{}) // Non-idempotent
	errs, err := tbl.ApplyBulk(ctx, []string{"a", "b", "c"}, []*Mutation{ma, mb, mc})
	if err != nil {
		t.Fatalf("idempotency filtering: request failed %v", err)
	}
	if errs == nil {
		t.Fatal("idempotency filtering: no per-entry errors")
	}
	if got, want := status.Code(errs[0]), codes.Unavailable; got != want {
		t.Errorf("entry 0 code: got %v, want %v", got, want)
	}
	if errs[1] != nil {
		t.Errorf("entry 1: got %v, want nil", errs[1])
	}
	if !errors.Is(errs[2], ErrIndeterminate) {
		t.Errorf("entry 2: got %v, want ErrIndeterminate", errs[2])
	}
	if got, want := status.Code(errs[2]), codes.Unknown; got != want {
		t.Errorf("entry 2 code: got %v, want %v", got, want)
	}
}

func TestRetryApplyBulk_IndividualErrorsAndDeadlineExceeded(t *testing.T) {
	ctx := context.Background()

	errInjector := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasSuffix(info.FullMethod, "MutateRows") {
			return writeMutateRowsResponse(ss, codes.FailedPrecondition, codes.OK, codes.Aborted)
		}
		return handler(srv, ss)
	}

	tbl, cleanup, err := setupDefaultFakeServer(grpc.StreamInterceptor(errInjector))
	if err != nil {
		t.Fatalf("fake server setup: %v", err)
	}
	defer cleanup()

	m1 := NewMutation()
	m1.Set("cf", "col", 1, []byte{})
	m2 := NewMutation()
	m2.Set("cf", "col2", 1, []byte{})
	m3 := NewMutation()
	m3.Set("cf", "col3", 1, []byte{})

	// This should cause a deadline exceeded error.
	ctx, cancel := context.WithTimeout(ctx, -10*time.Millisecond)
	defer cancel()
	errs, err := tbl.ApplyBulk(ctx, []string{"row1", "row2", "row3"}, []*Mutation{m1, m2, m3})
	if got, want := status.Code(err), codes.DeadlineExceeded; got != want {
		t.Fatalf("deadline exceeded error: got: %v, want code %v", err, want)
	}
	if errs != nil {
		t.Errorf("deadline exceeded errors: got: %v, want: nil", errs)
	}
}

func writeMutateRowsResponse(ss grpc.ServerStream, codes ...codes.Code) error {
	res := &btpb.MutateRowsResponse{Entries: make([]*btpb.MutateRowsResponse_Entry, len(codes))}
	for i, code := range codes {
		res.Entries[i] = &btpb.MutateRowsResponse_Entry{
			Index:  int64(i),
			Status: &rpcpb.Status{Code: int32(code), Message: ""},
		}
	}
	return ss.SendMsg(res)
}

func TestRetryReadRows(t *testing.T) {
	ctx := context.Background()

	errCount := 0
	var f func(grpc.ServerStream) error
	errInjector := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasSuffix(info.FullMethod, "ReadRows") {
			return f(ss)
		}
		return handler(srv, ss)
	}

	tbl, cleanup, err := setupDefaultFakeServer(grpc.StreamInterceptor(errInjector))
	if err != nil {
		t.Fatalf("fake server setup: %v", err)
	}
	defer cleanup()

	// Test overall request failure and retries
	f = func(ss grpc.ServerStream) error {
		var err error
		req := new(btpb.ReadRowsRequest)
		must(ss.RecvMsg(req))
		switch errCount {
		case 0:
			// Retryable request failure
			err = status.Errorf(codes.Unavailable, "")
		case 1:
			// Write two rows then error
			if want, got := "a", string(req.Rows.RowRanges[0].GetStartKeyClosed()); want != got {
				t.Errorf("first retry, no data received yet: got %q, want %q", got, want)
			}
			must(writeReadRowsResponse(ss, "a", "b"))
			err = status.Errorf(codes.Unavailable, "")
		case 2:
			// Retryable request failure
			if want, got := "b", string(req.Rows.RowRanges[0].GetStartKeyOpen()); want != got {
				t.Errorf("2 range retries: got %q, want %q", got, want)
			}
			err = status.Errorf(codes.Unavailable, "")
		case 3:
			// Write two more rows
			must(writeReadRowsResponse(ss, "c", "d"))
			err = status.Errorf(codes.Unavailable, "")
		case 4:
			must(ss.SendMsg(&btpb.ReadRowsResponse{LastScannedRowKey: []byte("e")}))
			err = status.Errorf(codes.Unavailable, "")
		case 5:
			if want, got := "e", string(req.Rows.RowRanges[0].GetStartKeyOpen()); want != got {
				t.Errorf("3 range retries: got %q, want %q", got, want)
			}
			must(writeReadRowsResponse(ss, "f", "g"))
			err = nil
		}
		errCount++
		return err
	}

	var got []string
	must(tbl.ReadRows(ctx, NewRange("a", "z"), func(r Row) bool {
		got = append(got, r.Key())
		return true
	}))
	want := []string{"a", "b", "c", "d", "f", "g"}
	if !cmp.Equal(got, want) {
		t.Errorf("retry range integration: got %v, want %v", got, want)
	}
}

func TestRetryReadRowsLimit(t *testing.T) {
	ctx := context.Background()

	errCount := 0
	var f func(grpc.ServerStream) error
	errInjector := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasSuffix(info.FullMethod, "ReadRows") {
			return f(ss)
		}
		return handler(srv, ss)
	}

	tbl, cleanup, err := setupDefaultFakeServer(grpc.StreamInterceptor(errInjector))
	if err != nil {
		t.Fatalf("fake server setup: %v", err)
	}
	defer cleanup()

	initialRowLimit := int64(3)

	f = func(ss grpc.ServerStream) error {
		var err error
		req := new(btpb.ReadRowsRequest)
		must(ss.RecvMsg(req))
		switch errCount {
		case 0:
			if want, got := initialRowLimit, req.RowsLimit; want != got {
				t.Errorf("RowsLimit: got %v, want %v", got, want)
			}
			must(writeReadRowsResponse(ss, "a", "b"))
			err = status.Errorf(codes.Unavailable, "")
		case 1:
			if want, got := initialRowLimit-2, req.RowsLimit; want != got {
				t.Errorf("RowsLimit: got %v, want %v", got, want)
			}
			must(writeReadRowsResponse(ss, "c"))
			err = nil
		}
		errCount++
		return err
	}

	var got []string
	must(tbl.ReadRows(ctx, NewRange("a", "z"), func(r Row) bool {
		got = append(got, r.Key())
		return true
	}, LimitRows(initialRowLimit)))
	want := []string{"a", "b", "c"}
	if !cmp.Equal(got, want) {
		t.Errorf("retry range integration: got %v, want %v", got, want)
	}
}

// A stream that violates the chunk protocol is surfaced as a retryable
// internal error; the reader reopens past the last good row.
func TestRetryReadRowsProtocolError(t *testing.T) {
	ctx := context.Background()

	errCount := 0
	errInjector := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasSuffix(info.FullMethod, "ReadRows") {
			req := new(btpb.ReadRowsRequest)
			must(ss.RecvMsg(req))
			switch errCount {
			case 0:
				// "b" then "a": the second row key regresses.
				must(writeReadRowsResponse(ss, "b", "a"))
			case 1:
				if want, got := "b", string(req.Rows.RowRanges[0].GetStartKeyOpen()); want != got {
					t.Errorf("protocol-error retry: got %q, want %q", got, want)
				}
				must(writeReadRowsResponse(ss, "c"))
			}
			errCount++
			return nil
		}
		return handler(srv, ss)
	}

	tbl, cleanup, err := setupDefaultFakeServer(grpc.StreamInterceptor(errInjector))
	if err != nil {
		t.Fatalf("fake server setup: %v", err)
	}
	defer cleanup()

	var got []string
	must(tbl.ReadRows(ctx, NewRange("a", "z"), func(r Row) bool {
		got = append(got, r.Key())
		return true
	}))
	want := []string{"b", "c"}
	if !cmp.Equal(got, want) {
		t.Errorf("protocol-error retry: got %v, want %v", got, want)
	}
}

func TestRetrySampleRowKeys(t *testing.T) {
	ctx := context.Background()

	errCount := 0
	errInjector := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasSuffix(info.FullMethod, "SampleRowKeys") {
			if errCount == 0 {
				errCount++
				// A partial sample followed by a failure must be
				// discarded, not merged with the retry's sample.
				must(ss.SendMsg(&btpb.SampleRowKeysResponse{RowKey: []byte("a"), OffsetBytes: 1}))
				return status.Errorf(codes.Unavailable, "")
			}
		}
		return handler(srv, ss)
	}

	tbl, cleanup, err := setupDefaultFakeServer(grpc.StreamInterceptor(errInjector))
	if err != nil {
		t.Fatalf("fake server setup: %v", err)
	}
	defer cleanup()

	for _, key := range []string{"a", "b", "c"} {
		mut := NewMutation()
		mut.Set("cf", "col", 1000, []byte("v"))
		must(tbl.Apply(ctx, key, mut))
	}

	keys, err := tbl.SampleRowKeys(ctx)
	if err != nil {
		t.Fatalf("SampleRowKeys: %v", err)
	}
	want := []string{"a", "b", "c"}
	if !cmp.Equal(keys, want) {
		t.Errorf("SampleRowKeys after retry: got %v, want %v", keys, want)
	}
}

func writeReadRowsResponse(ss grpc.ServerStream, rowKeys ...string) error {
	var chunks []*btpb.ReadRowsResponse_CellChunk
	for _, key := range rowKeys {
		chunks = append(chunks, &btpb.ReadRowsResponse_CellChunk{
			RowKey:     []byte(key),
			FamilyName: &wrapperspb.StringValue{Value: "fm"},
			Qualifier:  &wrapperspb.BytesValue{Value: []byte("col")},
			RowStatus:  &btpb.ReadRowsResponse_CellChunk_CommitRow{CommitRow: true},
		})
	}
	return ss.SendMsg(&btpb.ReadRowsResponse{Chunks: chunks})
}

func equalErrs(x, y error) bool {
	if x == nil || y == nil {
		return x == y
	}
	return status.Code(x) == status.Code(y) && status.Convert(x).Message() == status.Convert(y).Message()
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
