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

// Package cbttest provides an in-process fake of the data and admin planes
// for use in client tests. It implements enough of both services to
// exercise reads, writes, bulk mutations and schema operations against a
// real gRPC connection, so retry and stream-restart behavior can be tested
// with server-side error injection via interceptors.
//
// The fake holds all data in memory and makes no attempt to model
// replication, GC policy enforcement or load-based key sampling.
package cbttest

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	btapb "google.golang.org/genproto/googleapis/bigtable/admin/v2"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"rsc.io/binaryregexp"
)

// Server is an in-process fake backend listening on a real TCP port.
type Server struct {
	Addr string

	l   net.Listener
	srv *grpc.Server
	s   *server
}

// server is the shared implementation behind both registered services.
type server struct {
	btpb.UnimplementedBigtableServer
	btapb.UnimplementedBigtableTableAdminServer

	mu     sync.Mutex
	tables map[string]*table // keyed by fully-qualified table name
}

// NewServer creates a new Server, listening on laddr ("localhost:0" picks a
// free port), and starts serving on it.
func NewServer(laddr string, opt ...grpc.ServerOption) (*Server, error) {
	l, err := net.Listen("tcp", laddr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Addr: l.Addr().String(),
		l:    l,
		srv:  grpc.NewServer(opt...),
		s:    &server{tables: make(map[string]*table)},
	}
	btapb.RegisterBigtableTableAdminServer(s.srv, s.s)
	btpb.RegisterBigtableServer(s.srv, s.s)

	go s.srv.Serve(s.l)

	return s, nil
}

// Close shuts down the server.
func (s *Server) Close() {
	s.srv.Stop()
	s.l.Close()
}

func (s *server) lookup(name string) (*table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.tables[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", name)
	}
	return tbl, nil
}

// Admin plane.

func (s *server) CreateTable(ctx context.Context, req *btapb.CreateTableRequest) (*btapb.Table, error) {
	name := req.Parent + "/tables/" + req.TableId
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "table %q already exists", name)
	}
	tbl := newTable(req)
	s.tables[name] = tbl
	return &btapb.Table{Name: name, ColumnFamilies: tbl.familyProtos()}, nil
}

func (s *server) DeleteTable(ctx context.Context, req *btapb.DeleteTableRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[req.Name]; !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", req.Name)
	}
	delete(s.tables, req.Name)
	return &emptypb.Empty{}, nil
}

func (s *server) ListTables(ctx context.Context, req *btapb.ListTablesRequest) (*btapb.ListTablesResponse, error) {
	res := &btapb.ListTablesResponse{}
	prefix := req.Parent + "/tables/"
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.tables {
		if strings.HasPrefix(name, prefix) {
			res.Tables = append(res.Tables, &btapb.Table{Name: name})
		}
	}
	sort.Slice(res.Tables, func(i, j int) bool { return res.Tables[i].Name < res.Tables[j].Name })
	return res, nil
}

func (s *server) GetTable(ctx context.Context, req *btapb.GetTableRequest) (*btapb.Table, error) {
	tbl, err := s.lookup(req.Name)
	if err != nil {
		return nil, err
	}
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	return &btapb.Table{Name: req.Name, ColumnFamilies: tbl.familyProtos()}, nil
}

func (s *server) ModifyColumnFamilies(ctx context.Context, req *btapb.ModifyColumnFamiliesRequest) (*btapb.Table, error) {
	tbl, err := s.lookup(req.Name)
	if err != nil {
		return nil, err
	}
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	for _, mod := range req.Modifications {
		switch m := mod.Mod.(type) {
		case *btapb.ModifyColumnFamiliesRequest_Modification_Create:
			if _, ok := tbl.families[mod.Id]; ok {
				return nil, status.Errorf(codes.AlreadyExists, "family %q already exists", mod.Id)
			}
			tbl.families[mod.Id] = m.Create.GcRule
		case *btapb.ModifyColumnFamiliesRequest_Modification_Update:
			if _, ok := tbl.families[mod.Id]; !ok {
				return nil, status.Errorf(codes.NotFound, "family %q not found", mod.Id)
			}
			tbl.families[mod.Id] = m.Update.GcRule
		case *btapb.ModifyColumnFamiliesRequest_Modification_Drop:
			if _, ok := tbl.families[mod.Id]; !ok {
				return nil, status.Errorf(codes.NotFound, "family %q not found", mod.Id)
			}
			delete(tbl.families, mod.Id)
			tbl.rows.Ascend(func(i btree.Item) bool {
				delete(i.(*row).families, mod.Id)
				return true
			})
		}
	}
	return &btapb.Table{Name: req.Name, ColumnFamilies: tbl.familyProtos()}, nil
}

func (s *server) DropRowRange(ctx context.Context, req *btapb.DropRowRangeRequest) (*emptypb.Empty, error) {
	tbl, err := s.lookup(req.Name)
	if err != nil {
		return nil, err
	}
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	switch target := req.Target.(type) {
	case *btapb.DropRowRangeRequest_DeleteAllDataFromTable:
		tbl.rows = btree.New(btreeDegree)
	case *btapb.DropRowRangeRequest_RowKeyPrefix:
		prefix := string(target.RowKeyPrefix)
		var doomed []*row
		tbl.rows.AscendGreaterOrEqual(&row{key: prefix}, func(i btree.Item) bool {
			r := i.(*row)
			if !strings.HasPrefix(r.key, prefix) {
				return false
			}
			doomed = append(doomed, r)
			return true
		})
		for _, r := range doomed {
			tbl.rows.Delete(r)
		}
	}
	return &emptypb.Empty{}, nil
}

// Data plane.

const btreeDegree = 16

type table struct {
	mu       sync.RWMutex
	families map[string]*btapb.GcRule
	rows     *btree.BTree // of *row, ordered by key
}

func newTable(req *btapb.CreateTableRequest) *table {
	fams := make(map[string]*btapb.GcRule)
	if req.Table != nil {
		for id, cf := range req.Table.ColumnFamilies {
			fams[id] = cf.GcRule
		}
	}
	return &table{families: fams, rows: btree.New(btreeDegree)}
}

func (t *table) familyProtos() map[string]*btapb.ColumnFamily {
	fams := make(map[string]*btapb.ColumnFamily, len(t.families))
	for id, rule := range t.families {
		fams[id] = &btapb.ColumnFamily{GcRule: rule}
	}
	return fams
}

// mutableRow returns the row for key, creating it if absent. Caller holds
// t.mu.
func (t *table) mutableRow(key string) *row {
	if i := t.rows.Get(&row{key: key}); i != nil {
		return i.(*row)
	}
	r := &row{key: key, families: make(map[string]map[string][]cell)}
	t.rows.ReplaceOrInsert(r)
	return r
}

type row struct {
	key string
	// families maps family name to qualifier to cells, newest first.
	families map[string]map[string][]cell
}

func (r *row) Less(i btree.Item) bool { return r.key < i.(*row).key }

func (r *row) isEmpty() bool {
	for _, qs := range r.families {
		for _, cs := range qs {
			if len(cs) > 0 {
				return false
			}
		}
	}
	return true
}

func (r *row) copy() *row {
	cp := &row{key: r.key, families: make(map[string]map[string][]cell, len(r.families))}
	for fam, qs := range r.families {
		cqs := make(map[string][]cell, len(qs))
		for q, cs := range qs {
			cqs[q] = append([]cell(nil), cs...)
		}
		cp.families[fam] = cqs
	}
	return cp
}

func (r *row) proto() *btpb.Row {
	p := &btpb.Row{Key: []byte(r.key)}
	for _, fam := range sortedKeys(r.families) {
		fp := &btpb.Family{Name: fam}
		for _, q := range sortedKeys(r.families[fam]) {
			cp := &btpb.Column{Qualifier: []byte(q)}
			for _, c := range r.families[fam][q] {
				cp.Cells = append(cp.Cells, &btpb.Cell{TimestampMicros: c.ts, Value: c.value, Labels: c.labels})
			}
			fp.Columns = append(fp.Columns, cp)
		}
		p.Families = append(p.Families, fp)
	}
	return p
}

type cell struct {
	ts     int64
	value  []byte
	labels []string
}

func (s *server) MutateRow(ctx context.Context, req *btpb.MutateRowRequest) (*btpb.MutateRowResponse, error) {
	tbl, err := s.lookup(req.TableName)
	if err != nil {
		return nil, err
	}
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if err := tbl.applyMutations(string(req.RowKey), req.Mutations); err != nil {
		return nil, err
	}
	return &btpb.MutateRowResponse{}, nil
}

func (s *server) MutateRows(req *btpb.MutateRowsRequest, stream btpb.Bigtable_MutateRowsServer) error {
	tbl, err := s.lookup(req.TableName)
	if err != nil {
		return err
	}
	res := &btpb.MutateRowsResponse{Entries: make([]*btpb.MutateRowsResponse_Entry, len(req.Entries))}
	tbl.mu.Lock()
	for i, entry := range req.Entries {
		st := status.Convert(tbl.applyMutations(string(entry.RowKey), entry.Mutations))
		res.Entries[i] = &btpb.MutateRowsResponse_Entry{Index: int64(i), Status: st.Proto()}
	}
	tbl.mu.Unlock()
	return stream.Send(res)
}

func (s *server) CheckAndMutateRow(ctx context.Context, req *btpb.CheckAndMutateRowRequest) (*btpb.CheckAndMutateRowResponse, error) {
	tbl, err := s.lookup(req.TableName)
	if err != nil {
		return nil, err
	}
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	matched := false
	if i := tbl.rows.Get(&row{key: string(req.RowKey)}); i != nil {
		r := i.(*row).copy()
		if req.PredicateFilter != nil {
			if err := filterRow(req.PredicateFilter, r); err != nil {
				return nil, err
			}
		}
		matched = !r.isEmpty()
	}

	muts := req.FalseMutations
	if matched {
		muts = req.TrueMutations
	}
	if err := tbl.applyMutations(string(req.RowKey), muts); err != nil {
		return nil, err
	}
	return &btpb.CheckAndMutateRowResponse{PredicateMatched: matched}, nil
}

func (s *server) ReadModifyWriteRow(ctx context.Context, req *btpb.ReadModifyWriteRowRequest) (*btpb.ReadModifyWriteRowResponse, error) {
	tbl, err := s.lookup(req.TableName)
	if err != nil {
		return nil, err
	}
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	r := tbl.mutableRow(string(req.RowKey))
	resRow := &row{key: r.key, families: make(map[string]map[string][]cell)}
	now := time.Now().UnixNano() / 1e3

	for _, rule := range req.Rules {
		if _, ok := tbl.families[rule.FamilyName]; !ok {
			return nil, status.Errorf(codes.NotFound, "family %q not found", rule.FamilyName)
		}
		q := string(rule.ColumnQualifier)
		var newVal []byte
		switch rr := rule.Rule.(type) {
		case *btpb.ReadModifyWriteRule_AppendValue:
			newVal = append(latestValue(r, rule.FamilyName, q), rr.AppendValue...)
		case *btpb.ReadModifyWriteRule_IncrementAmount:
			var v int64
			if cur := latestValue(r, rule.FamilyName, q); cur != nil {
				if len(cur) != 8 {
					return nil, status.Errorf(codes.InvalidArgument, "increment on non-64-bit value")
				}
				for _, b := range cur {
					v = v<<8 | int64(b)
				}
			}
			v += rr.IncrementAmount
			newVal = make([]byte, 8)
			for i := 7; i >= 0; i-- {
				newVal[i] = byte(v)
				v >>= 8
			}
		}
		setCell(r, rule.FamilyName, q, cell{ts: now, value: newVal})
		setCell(resRow, rule.FamilyName, q, cell{ts: now, value: newVal})
	}
	return &btpb.ReadModifyWriteRowResponse{Row: resRow.proto()}, nil
}

func latestValue(r *row, fam, q string) []byte {
	cs := r.families[fam][q]
	if len(cs) == 0 {
		return nil
	}
	return cs[0].value
}

// setCell inserts c maintaining newest-first order; a same-timestamp write
// replaces the existing cell.
func setCell(r *row, fam, q string, c cell) {
	if r.families[fam] == nil {
		r.families[fam] = make(map[string][]cell)
	}
	cs := r.families[fam][q]
	pos := sort.Search(len(cs), func(i int) bool { return cs[i].ts <= c.ts })
	if pos < len(cs) && cs[pos].ts == c.ts {
		cs[pos] = c
	} else {
		cs = append(cs, cell{})
		copy(cs[pos+1:], cs[pos:])
		cs[pos] = c
	}
	r.families[fam][q] = cs
}

// applyMutations applies muts to the row for key. Caller holds t.mu.
func (t *table) applyMutations(key string, muts []*btpb.Mutation) error {
	r := t.mutableRow(key)
	defer func() {
		// A row that ends up with no cells (all deleted, or the mutation
		// failed before writing any) must not linger in the index.
		if r.isEmpty() {
			t.rows.Delete(r)
		}
	}()
	for _, mut := range muts {
		switch m := mut.Mutation.(type) {
		case *btpb.Mutation_SetCell_:
			sc := m.SetCell
			if _, ok := t.families[sc.FamilyName]; !ok {
				return status.Errorf(codes.NotFound, "family %q not found", sc.FamilyName)
			}
			ts := sc.TimestampMicros
			if ts == -1 {
				ts = time.Now().UnixNano() / 1e3
				ts -= ts % 1000
			}
			setCell(r, sc.FamilyName, string(sc.ColumnQualifier), cell{ts: ts, value: sc.Value})
		case *btpb.Mutation_DeleteFromColumn_:
			dc := m.DeleteFromColumn
			if _, ok := t.families[dc.FamilyName]; !ok {
				return status.Errorf(codes.NotFound, "family %q not found", dc.FamilyName)
			}
			if r.families[dc.FamilyName] == nil {
				continue
			}
			q := string(dc.ColumnQualifier)
			if dc.TimeRange == nil {
				delete(r.families[dc.FamilyName], q)
				continue
			}
			lo, hi := dc.TimeRange.StartTimestampMicros, dc.TimeRange.EndTimestampMicros
			var kept []cell
			for _, c := range r.families[dc.FamilyName][q] {
				if c.ts >= lo && (hi == 0 || c.ts < hi) {
					continue
				}
				kept = append(kept, c)
			}
			if kept == nil {
				delete(r.families[dc.FamilyName], q)
			} else {
				r.families[dc.FamilyName][q] = kept
			}
		case *btpb.Mutation_DeleteFromFamily_:
			delete(r.families, m.DeleteFromFamily.FamilyName)
		case *btpb.Mutation_DeleteFromRow_:
			r.families = make(map[string]map[string][]cell)
		}
	}
	return nil
}

func (s *server) ReadRows(req *btpb.ReadRowsRequest, stream btpb.Bigtable_ReadRowsServer) error {
	tbl, err := s.lookup(req.TableName)
	if err != nil {
		return err
	}

	// Collect the target rows under the lock; filter and stream them after
	// releasing it.
	tbl.mu.RLock()
	var rows []*row
	if req.Rows == nil || (len(req.Rows.RowKeys) == 0 && len(req.Rows.RowRanges) == 0) {
		tbl.rows.Ascend(func(i btree.Item) bool {
			rows = append(rows, i.(*row).copy())
			return true
		})
	} else {
		seen := make(map[string]bool)
		for _, key := range req.Rows.RowKeys {
			if i := tbl.rows.Get(&row{key: string(key)}); i != nil && !seen[string(key)] {
				seen[string(key)] = true
				rows = append(rows, i.(*row).copy())
			}
		}
		for _, rr := range req.Rows.RowRanges {
			tbl.rows.Ascend(func(i btree.Item) bool {
				r := i.(*row)
				if rangeContains(rr, r.key) && !seen[r.key] {
					seen[r.key] = true
					rows = append(rows, r.copy())
				}
				return true
			})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })
	}
	tbl.mu.RUnlock()

	var sent int64
	for _, r := range rows {
		if req.Filter != nil {
			if err := filterRow(req.Filter, r); err != nil {
				return err
			}
		}
		if r.isEmpty() {
			continue
		}
		if err := streamRow(stream, r); err != nil {
			return err
		}
		sent++
		if req.RowsLimit > 0 && sent >= req.RowsLimit {
			break
		}
	}
	return nil
}

func rangeContains(rr *btpb.RowRange, key string) bool {
	switch sk := rr.StartKey.(type) {
	case *btpb.RowRange_StartKeyClosed:
		if key < string(sk.StartKeyClosed) {
			return false
		}
	case *btpb.RowRange_StartKeyOpen:
		if key <= string(sk.StartKeyOpen) {
			return false
		}
	}
	switch ek := rr.EndKey.(type) {
	case *btpb.RowRange_EndKeyClosed:
		if key > string(ek.EndKeyClosed) {
			return false
		}
	case *btpb.RowRange_EndKeyOpen:
		if key >= string(ek.EndKeyOpen) {
			return false
		}
	}
	return true
}

// streamRow emits one response per row, one chunk per cell, with CommitRow
// set on the final chunk.
func streamRow(stream btpb.Bigtable_ReadRowsServer, r *row) error {
	var chunks []*btpb.ReadRowsResponse_CellChunk
	for _, fam := range sortedKeys(r.families) {
		for _, q := range sortedKeys(r.families[fam]) {
			for _, c := range r.families[fam][q] {
				chunks = append(chunks, &btpb.ReadRowsResponse_CellChunk{
					RowKey:          []byte(r.key),
					FamilyName:      &wrapperspb.StringValue{Value: fam},
					Qualifier:       &wrapperspb.BytesValue{Value: []byte(q)},
					TimestampMicros: c.ts,
					Labels:          c.labels,
					Value:           c.value,
				})
			}
		}
	}
	if len(chunks) == 0 {
		return nil
	}
	chunks[len(chunks)-1].RowStatus = &btpb.ReadRowsResponse_CellChunk_CommitRow{CommitRow: true}
	return stream.Send(&btpb.ReadRowsResponse{Chunks: chunks})
}

func (s *server) SampleRowKeys(req *btpb.SampleRowKeysRequest, stream btpb.Bigtable_SampleRowKeysServer) error {
	tbl, err := s.lookup(req.TableName)
	if err != nil {
		return err
	}
	tbl.mu.RLock()
	var keys []string
	tbl.rows.Ascend(func(i btree.Item) bool {
		keys = append(keys, i.(*row).key)
		return true
	})
	tbl.mu.RUnlock()

	var offset int64
	for _, key := range keys {
		offset += int64(len(key))
		if err := stream.Send(&btpb.SampleRowKeysResponse{RowKey: []byte(key), OffsetBytes: offset}); err != nil {
			return err
		}
	}
	return nil
}

// filterRow modifies r in place, retaining only the cells the filter
// matches. Patterns are compiled with binaryregexp because filter inputs
// are arbitrary byte strings, not necessarily valid UTF-8.
func filterRow(f *btpb.RowFilter, r *row) error {
	if f == nil {
		return nil
	}
	switch ff := f.Filter.(type) {
	case *btpb.RowFilter_PassAllFilter:
		return nil
	case *btpb.RowFilter_BlockAllFilter:
		r.families = make(map[string]map[string][]cell)
		return nil
	case *btpb.RowFilter_Chain_:
		for _, sub := range ff.Chain.Filters {
			if err := filterRow(sub, r); err != nil {
				return err
			}
		}
		return nil
	case *btpb.RowFilter_Interleave_:
		// Union of each sub-filter applied to an independent copy.
		merged := &row{key: r.key, families: make(map[string]map[string][]cell)}
		for _, sub := range ff.Interleave.Filters {
			cp := r.copy()
			if err := filterRow(sub, cp); err != nil {
				return err
			}
			for fam, qs := range cp.families {
				for q, cs := range qs {
					for _, c := range cs {
						setCell(merged, fam, q, c)
					}
				}
			}
		}
		r.families = merged.families
		return nil
	case *btpb.RowFilter_Condition_:
		probe := r.copy()
		if err := filterRow(ff.Condition.PredicateFilter, probe); err != nil {
			return err
		}
		branch := ff.Condition.FalseFilter
		if !probe.isEmpty() {
			branch = ff.Condition.TrueFilter
		}
		if branch == nil {
			r.families = make(map[string]map[string][]cell)
			return nil
		}
		return filterRow(branch, r)
	case *btpb.RowFilter_RowKeyRegexFilter:
		re, err := compilePattern(string(ff.RowKeyRegexFilter))
		if err != nil {
			return err
		}
		if !re.MatchString(r.key) {
			r.families = make(map[string]map[string][]cell)
		}
		return nil
	case *btpb.RowFilter_FamilyNameRegexFilter:
		re, err := compilePattern(ff.FamilyNameRegexFilter)
		if err != nil {
			return err
		}
		for fam := range r.families {
			if !re.MatchString(fam) {
				delete(r.families, fam)
			}
		}
		return nil
	case *btpb.RowFilter_ColumnQualifierRegexFilter:
		re, err := compilePattern(string(ff.ColumnQualifierRegexFilter))
		if err != nil {
			return err
		}
		for _, qs := range r.families {
			for q := range qs {
				if !re.MatchString(q) {
					delete(qs, q)
				}
			}
		}
		return nil
	case *btpb.RowFilter_ValueRegexFilter:
		re, err := compilePattern(string(ff.ValueRegexFilter))
		if err != nil {
			return err
		}
		filterCells(r, func(c cell) bool { return re.Match(c.value) })
		return nil
	case *btpb.RowFilter_TimestampRangeFilter:
		lo := ff.TimestampRangeFilter.StartTimestampMicros
		hi := ff.TimestampRangeFilter.EndTimestampMicros
		filterCells(r, func(c cell) bool { return c.ts >= lo && (hi == 0 || c.ts < hi) })
		return nil
	case *btpb.RowFilter_CellsPerColumnLimitFilter:
		n := int(ff.CellsPerColumnLimitFilter)
		for _, qs := range r.families {
			for q, cs := range qs {
				if len(cs) > n {
					qs[q] = cs[:n]
				}
			}
		}
		return nil
	case *btpb.RowFilter_StripValueTransformer:
		for _, qs := range r.families {
			for q, cs := range qs {
				for i := range cs {
					cs[i].value = nil
				}
				qs[q] = cs
			}
		}
		return nil
	default:
		return status.Errorf(codes.Unimplemented, "filter %T not supported by cbttest", f.Filter)
	}
}

func filterCells(r *row, keep func(cell) bool) {
	for _, qs := range r.families {
		for q, cs := range qs {
			var kept []cell
			for _, c := range cs {
				if keep(c) {
					kept = append(kept, c)
				}
			}
			if kept == nil {
				delete(qs, q)
			} else {
				qs[q] = kept
			}
		}
	}
}

// compilePattern anchors pat at both ends; the backend treats filter
// regexes as full-string matches.
func compilePattern(pat string) (*binaryregexp.Regexp, error) {
	re, err := binaryregexp.Compile("^(?:" + pat + ")$")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad filter pattern %q: %v", pat, err)
	}
	return re, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
