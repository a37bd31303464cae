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

// partialCell accumulates the pieces of one logical cell across however
// many chunks describe it. Value bytes and labels accumulate chunk by
// chunk; the timestamp is fixed by the chunk that starts the cell.
type partialCell struct {
	timestamp Timestamp
	labels    []string
	value     []byte
}

// chunkReader turns a stream of cell chunks into complete rows. It holds
// exactly one uncommitted row's worth of state plus at most one
// ready-but-unclaimed row; it is single-threaded, one instance per
// RowReader, and is never copied.
type chunkReader struct {
	endOfStream bool

	rowReady  bool // a completed row is waiting to be taken by Next
	completed Row

	lastRowKey string // last row key this reader has committed

	curRowKey  string
	curRow     Row
	curFamily  string // family of the cell under assembly; carries over when a chunk omits it
	curQual    string // qualifier of the cell under assembly; carries over the same way
	curHasCell bool   // curRow has at least one finalized cell

	partial partialCell
	inCell  bool // a cell is currently mid-assembly, between its first chunk and a value-size-zero chunk
}

func newChunkReader() *chunkReader {
	return &chunkReader{curRow: make(Row)}
}

// HasNext reports whether a committed row is ready to be taken.
func (cr *chunkReader) HasNext() bool { return cr.rowReady }

// Next returns the next committed row and clears the ready flag. Calling
// Next when HasNext is false is a usage error, not a status failure, and
// panics.
func (cr *chunkReader) Next() Row {
	if !cr.rowReady {
		panic("cbt: Next called with no row ready")
	}
	row := cr.completed
	cr.completed = nil
	cr.rowReady = false
	return row
}

// HandleChunk feeds one wire chunk into the parser.
//
// A row key only appears on the first chunk of a row and must compare
// strictly greater than the last row this reader committed. Family and
// qualifier carry over from the previous cell when omitted: a family change
// always carries a qualifier with it, a bare qualifier change may appear
// alone, and a chunk with neither continues the same column as before.
// The timestamp matters only on the first chunk of a cell; labels
// accumulate across all of a cell's chunks, like value bytes. ValueSize
// greater than zero on a cell's first chunk means more chunks for that cell
// follow; a chunk with ValueSize zero closes out whichever cell it
// terminates. CommitRow may ride on the same chunk as the final piece of a
// cell; ResetRow must arrive on a chunk of its own, between cells.
func (cr *chunkReader) HandleChunk(cc *btpb.ReadRowsResponse_CellChunk) error {
	if cr.endOfStream {
		return protocolErrorf("chunk received after end of stream")
	}
	if cr.rowReady {
		return protocolErrorf("chunk received before prior row was taken")
	}

	if cc.GetResetRow() {
		if cr.inCell {
			return protocolErrorf("reset-row received mid-cell")
		}
		if len(cc.RowKey) > 0 || cc.FamilyName != nil || cc.Qualifier != nil || len(cc.Value) > 0 || len(cc.Labels) > 0 {
			return protocolErrorf("reset-row chunk carries data")
		}
		cr.resetRow()
		return nil
	}

	firstOfCell := !cr.inCell

	if len(cc.GetRowKey()) > 0 {
		key := string(cc.GetRowKey())
		if !firstOfCell {
			if key != cr.curRowKey {
				return protocolErrorf("row key changed mid-cell")
			}
		} else {
			if cr.curHasCell && key != cr.curRowKey {
				return protocolErrorf("row key changed within an uncommitted row")
			}
			if cr.lastRowKey != "" && compareKeys(key, cr.lastRowKey) <= 0 {
				return protocolErrorf("row key did not increase: " + key)
			}
			cr.curRowKey = key
		}
	}
	if firstOfCell && cr.curRowKey == "" {
		return protocolErrorf("first cell of a row has no row key")
	}

	if cc.GetFamilyName() != nil {
		if cc.GetQualifier() == nil {
			return protocolErrorf("family name present without qualifier")
		}
		cr.curFamily = cc.GetFamilyName().GetValue()
		cr.curQual = string(cc.GetQualifier().GetValue())
	} else if cc.GetQualifier() != nil {
		cr.curQual = string(cc.GetQualifier().GetValue())
	}

	if firstOfCell {
		cr.partial.timestamp = Timestamp(cc.GetTimestampMicros())
		cr.partial.labels = append([]string(nil), cc.Labels...)
		if cc.ValueSize > 0 {
			buf := make([]byte, 0, cc.ValueSize)
			cr.partial.value = append(buf, cc.Value...)
		} else {
			cr.partial.value = append([]byte(nil), cc.Value...)
		}
		cr.inCell = true
	} else {
		cr.partial.labels = append(cr.partial.labels, cc.Labels...)
		cr.partial.value = append(cr.partial.value, cc.Value...)
	}

	if cc.ValueSize == 0 {
		cr.finalizeCell()
		cr.inCell = false
	}

	if cc.GetCommitRow() {
		if cr.inCell {
			return protocolErrorf("commit-row received mid-cell")
		}
		if !cr.curHasCell {
			return protocolErrorf("commit-row received for an empty row")
		}
		cr.completed = cr.curRow
		cr.lastRowKey = cr.curRowKey
		cr.rowReady = true
		cr.curRow = make(Row)
		cr.curRowKey = ""
		cr.curFamily = ""
		cr.curQual = ""
		cr.curHasCell = false
	}

	return nil
}

func (cr *chunkReader) finalizeCell() {
	p := cr.partial
	cr.partial = partialCell{}

	item := ReadItem{
		Row:       cr.curRowKey,
		Column:    cr.curFamily + ":" + cr.curQual,
		Timestamp: p.timestamp,
		Value:     p.value,
		Labels:    p.labels,
	}
	cr.curRow[cr.curFamily] = append(cr.curRow[cr.curFamily], item)
	cr.curHasCell = true
}

func (cr *chunkReader) resetRow() {
	cr.curRow = make(Row)
	cr.curRowKey = ""
	cr.curFamily = ""
	cr.curQual = ""
	cr.curHasCell = false
	cr.partial = partialCell{}
	cr.inCell = false
}

// HandleEndOfStream finalizes the parser at a clean stream end. It is
// illegal to call twice, while a cell is mid-assembly, or with accumulated
// cells that never received a commit.
func (cr *chunkReader) HandleEndOfStream() error {
	if cr.endOfStream {
		return protocolErrorf("end of stream received twice")
	}
	if cr.inCell {
		return protocolErrorf("end of stream received mid-cell")
	}
	if cr.curHasCell {
		return protocolErrorf("end of stream received with an uncommitted row")
	}
	cr.endOfStream = true
	return nil
}
