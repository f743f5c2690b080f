package planner

import (
	"fmt"
	"math/bits"

	"github.com/dustin/go-humanize"
)

// Strategy tags how a table is split.
type Strategy string

const (
	StrategySingle        Strategy = "single"
	StrategyRangeChunked  Strategy = "range-chunked"
	StrategyOffsetChunked Strategy = "offset-chunked"
)

const (
	// DefaultSingleFileThreshold is the row count below which a table is exported as one file
	DefaultSingleFileThreshold int64 = 1_000_000
	// DefaultOffsetWarnRows is the row count above which offset chunking is flagged as expensive
	DefaultOffsetWarnRows int64 = 10_000_000
	// BytesPerRowEstimate is used when the engine cannot report a relation size
	BytesPerRowEstimate int64 = 500
)

// SizeBand maps a total export size ceiling to a chunk row count.
type SizeBand struct {
	MaxBytes  int64 // exclusive upper bound; 0 means unbounded
	ChunkRows int64
}

// DefaultSizeBands grow with total size: small exports favour many small chunks, large exports
// amortise per-chunk connection and query overhead.
var DefaultSizeBands = []SizeBand{
	{MaxBytes: 1 << 30, ChunkRows: 250_000},
	{MaxBytes: 10 << 30, ChunkRows: 500_000},
	{MaxBytes: 100 << 30, ChunkRows: 1_000_000},
	{MaxBytes: 1 << 40, ChunkRows: 2_000_000},
	{MaxBytes: 0, ChunkRows: 5_000_000},
}

// KeyRange is the observed span of a monotonic integer key.
type KeyRange struct {
	Column string
	Min    int64
	Max    int64
}

// Bounds describes one chunk. RowStart/RowEnd are logical row positions and always partition
// [0, row_count). Offset-chunked queries use them directly; range-chunked queries use the key band.
type Bounds struct {
	Index    int   `json:"index"`
	RowStart int64 `json:"row_start"`
	RowEnd   int64 `json:"row_end"`

	// Key band [KeyLow, KeyHigh). A missing low or high bound means the band is open on
	// that side; the last band also takes NULL keys.
	KeyLow       int64 `json:"key_low,omitempty"`
	KeyHigh      int64 `json:"key_high,omitempty"`
	HasLow       bool  `json:"has_low,omitempty"`
	HasHigh      bool  `json:"has_high,omitempty"`
	IncludeNulls bool  `json:"include_nulls,omitempty"`
}

// Offset returns the row offset for offset-chunked queries.
func (b Bounds) Offset() int64 { return b.RowStart }

// Limit returns the row limit for offset-chunked queries.
func (b Bounds) Limit() int64 { return b.RowEnd - b.RowStart }

func (b Bounds) String() string {
	s := fmt.Sprintf("rows [%d,%d)", b.RowStart, b.RowEnd)
	switch {
	case b.HasLow && b.HasHigh:
		s += fmt.Sprintf(" key [%d,%d)", b.KeyLow, b.KeyHigh)
	case b.HasLow:
		s += fmt.Sprintf(" key [%d,+inf)", b.KeyLow)
	case b.HasHigh:
		s += fmt.Sprintf(" key (-inf,%d)", b.KeyHigh)
	}
	return s
}

// Plan is the immutable partitioning decision for one table.
type Plan struct {
	Strategy  Strategy `json:"strategy"`
	Chunks    []Bounds `json:"chunks"`
	KeyColumn string   `json:"key_column,omitempty"`
	ChunkRows int64    `json:"chunk_rows"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Planner decides single-file versus chunked export.
type Planner struct {
	SingleFileThreshold int64
	OffsetWarnRows      int64
	Bands               []SizeBand
	// ChunkRows overrides the size bands when positive.
	ChunkRows int64
}

// New returns a planner with the default thresholds and size bands
func New() *Planner {
	return &Planner{
		SingleFileThreshold: DefaultSingleFileThreshold,
		OffsetWarnRows:      DefaultOffsetWarnRows,
		Bands:               DefaultSizeBands,
	}
}

// ChunkRowsFor returns the target rows per chunk for an estimated export size.
func (p *Planner) ChunkRowsFor(estimatedBytes int64) int64 {
	if p.ChunkRows > 0 {
		return p.ChunkRows
	}
	bands := p.Bands
	if len(bands) == 0 {
		bands = DefaultSizeBands
	}
	for _, band := range bands {
		if band.MaxBytes == 0 || estimatedBytes < band.MaxBytes {
			return band.ChunkRows
		}
	}
	return bands[len(bands)-1].ChunkRows
}

// Plan partitions rowCount rows. A nil key means no monotonic key is available. Plan never fails.
func (p *Planner) Plan(rowCount, estimatedBytes int64, key *KeyRange) Plan {
	if rowCount < 0 {
		rowCount = 0
	}
	threshold := p.SingleFileThreshold
	if threshold <= 0 {
		threshold = DefaultSingleFileThreshold
	}

	if rowCount < threshold {
		return Plan{
			Strategy:  StrategySingle,
			Chunks:    []Bounds{{Index: 0, RowStart: 0, RowEnd: rowCount}},
			ChunkRows: rowCount,
		}
	}

	chunkRows := p.ChunkRowsFor(estimatedBytes)
	if chunkRows <= 0 {
		chunkRows = rowCount
	}

	if key != nil && key.Max >= key.Min {
		return p.rangePlan(rowCount, chunkRows, *key)
	}
	return p.offsetPlan(rowCount, estimatedBytes, chunkRows)
}

func (p *Planner) offsetPlan(rowCount, estimatedBytes, chunkRows int64) Plan {
	n := ceilDiv(rowCount, chunkRows)
	chunks := make([]Bounds, 0, n)
	for i := int64(0); i < n; i++ {
		end := (i + 1) * chunkRows
		if end > rowCount {
			end = rowCount
		}
		chunks = append(chunks, Bounds{Index: int(i), RowStart: i * chunkRows, RowEnd: end})
	}

	warnRows := p.OffsetWarnRows
	if warnRows <= 0 {
		warnRows = DefaultOffsetWarnRows
	}
	warning := "offset chunking: query cost grows with offset, prefer a monotonic key column"
	if rowCount > warnRows {
		warning = fmt.Sprintf("offset chunking over %s rows (~%s): late chunks rescan the table, configure a key column",
			humanize.Comma(rowCount), humanize.Bytes(uint64(estimatedBytes)))
	}

	return Plan{
		Strategy:  StrategyOffsetChunked,
		Chunks:    chunks,
		ChunkRows: chunkRows,
		Warnings:  []string{warning},
	}
}

func (p *Planner) rangePlan(rowCount, chunkRows int64, key KeyRange) Plan {
	// span = max-min+1 may exceed int64; it always fits in uint64.
	span := uint64(key.Max-key.Min) + 1
	n := uint64(ceilDiv(rowCount, chunkRows))
	clamped := false
	if span != 0 && n > span {
		n = span
		clamped = true
	}

	chunks := make([]Bounds, 0, n)
	for i := uint64(0); i < n; i++ {
		b := Bounds{Index: int(i)}
		if clamped {
			b.RowStart = int64(mulDiv(i, uint64(rowCount), n))
			b.RowEnd = int64(mulDiv(i+1, uint64(rowCount), n))
		} else {
			b.RowStart = int64(i) * chunkRows
			b.RowEnd = b.RowStart + chunkRows
			if b.RowEnd > rowCount {
				b.RowEnd = rowCount
			}
		}

		if i > 0 {
			b.HasLow = true
			b.KeyLow = key.Min + int64(bandOffset(i, span, n))
		}
		if i < n-1 {
			b.HasHigh = true
			b.KeyHigh = key.Min + int64(bandOffset(i+1, span, n))
		} else {
			b.IncludeNulls = true
		}
		chunks = append(chunks, b)
	}

	return Plan{
		Strategy:  StrategyRangeChunked,
		Chunks:    chunks,
		KeyColumn: key.Column,
		ChunkRows: chunkRows,
	}
}

// bandOffset returns floor(i*span/n). A span of 0 stands for 2^64.
func bandOffset(i, span, n uint64) uint64 {
	if span == 0 {
		q, _ := bits.Div64(i, 0, n)
		return q
	}
	return mulDiv(i, span, n)
}

// mulDiv computes floor(a*b/n) without overflow; callers guarantee the result fits in 64 bits.
func mulDiv(a, b, n uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, n)
	return q
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
