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
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
)

// Filter represents a row filter, an opaque predicate pushed down to the
// server and applied while streaming a row's cells. Filters are never
// evaluated client-side. Regex patterns use RE2 syntax and run over
// arbitrary byte strings, not just valid UTF-8 text.
type Filter interface {
	proto() *btpb.RowFilter
}

// RowKeyFilter returns a filter that matches row keys against pattern.
func RowKeyFilter(pattern string) Filter { return rowKeyFilter(pattern) }

type rowKeyFilter string

func (f rowKeyFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_RowKeyRegexFilter{RowKeyRegexFilter: []byte(f)}}
}

// FamilyFilter returns a filter that matches cell family names against
// pattern.
func FamilyFilter(pattern string) Filter { return familyFilter(pattern) }

type familyFilter string

func (f familyFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_FamilyNameRegexFilter{FamilyNameRegexFilter: string(f)}}
}

// ColumnFilter returns a filter that matches cell qualifiers against
// pattern.
func ColumnFilter(pattern string) Filter { return columnFilter(pattern) }

type columnFilter string

func (f columnFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_ColumnQualifierRegexFilter{ColumnQualifierRegexFilter: []byte(f)}}
}

// ValueFilter returns a filter that matches cell values against pattern.
func ValueFilter(pattern string) Filter { return valueFilter(pattern) }

type valueFilter string

func (f valueFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_ValueRegexFilter{ValueRegexFilter: []byte(f)}}
}

// LatestNFilter returns a filter that matches the most recent n cells in
// each column.
func LatestNFilter(n int32) Filter { return latestNFilter(n) }

type latestNFilter int32

func (f latestNFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_CellsPerColumnLimitFilter{CellsPerColumnLimitFilter: int32(f)}}
}

// TimestampRangeFilter returns a filter that matches cells whose timestamp
// is in [start, end).
func TimestampRangeFilter(start, end Timestamp) Filter {
	return timestampRangeFilter{start, end}
}

type timestampRangeFilter struct{ start, end Timestamp }

func (f timestampRangeFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_TimestampRangeFilter{TimestampRangeFilter: &btpb.TimestampRange{
		StartTimestampMicros: int64(f.start),
		EndTimestampMicros:   int64(f.end),
	}}}
}

// StripValueFilter returns a filter that replaces every matched cell's
// value with the empty string, useful for existence checks.
func StripValueFilter() Filter { return stripValueFilter{} }

type stripValueFilter struct{}

func (stripValueFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_StripValueTransformer{StripValueTransformer: true}}
}

// ChainFilters returns a filter that applies each of its arguments in
// order; a cell must survive all of them.
func ChainFilters(sub ...Filter) Filter { return chainFilter{sub} }

type chainFilter struct{ sub []Filter }

func (f chainFilter) proto() *btpb.RowFilter {
	chain := &btpb.RowFilter_Chain{}
	for _, sf := range f.sub {
		chain.Filters = append(chain.Filters, sf.proto())
	}
	return &btpb.RowFilter{Filter: &btpb.RowFilter_Chain_{Chain: chain}}
}

// InterleaveFilters returns a filter that applies each of its arguments
// independently and returns the union of the results.
func InterleaveFilters(sub ...Filter) Filter { return interleaveFilter{sub} }

type interleaveFilter struct{ sub []Filter }

func (f interleaveFilter) proto() *btpb.RowFilter {
	il := &btpb.RowFilter_Interleave{}
	for _, sf := range f.sub {
		il.Filters = append(il.Filters, sf.proto())
	}
	return &btpb.RowFilter{Filter: &btpb.RowFilter_Interleave_{Interleave: il}}
}

// ConditionFilter returns a filter that applies ifTrue if pred matches any
// cell in the row, and ifFalse otherwise. Either may be nil.
func ConditionFilter(pred, ifTrue, ifFalse Filter) Filter {
	return conditionFilter{pred, ifTrue, ifFalse}
}

type conditionFilter struct {
	pred, ifTrue, ifFalse Filter
}

func (f conditionFilter) proto() *btpb.RowFilter {
	cond := &btpb.RowFilter_Condition{PredicateFilter: f.pred.proto()}
	if f.ifTrue != nil {
		cond.TrueFilter = f.ifTrue.proto()
	}
	if f.ifFalse != nil {
		cond.FalseFilter = f.ifFalse.proto()
	}
	return &btpb.RowFilter{Filter: &btpb.RowFilter_Condition_{Condition: cond}}
}
