// Package parser reads chat exports in CSV form into timestamped records.
package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"time"

	"chatimport/internal/failure"
)

// Record is one accepted message row.
type Record struct {
	Timestamp    time.Time
	Sender       string
	Text         string
	OriginalText string
	Translated   bool
	Line         int
}

// Stats accumulates while the reader streams.
type Stats struct {
	Accepted int
	Skipped  int
	BySender map[string]int
	Earliest time.Time
	Latest   time.Time
}

// Options tunes interpretation of the file.
type Options struct {
	// Location is the zone wall-clock timestamps are read in. Defaults to UTC.
	Location *time.Location
}

type columns struct {
	date, clock, sender, message, translated int
}

var defaultColumns = columns{date: 0, clock: 1, sender: 2, message: 3, translated: 4}

var headerAliases = map[string]string{
	"date":               "date",
	"day":                "date",
	"time":               "time",
	"sender":             "sender",
	"from":               "sender",
	"author":             "sender",
	"name":               "sender",
	"message":            "message",
	"text":               "message",
	"content":            "message",
	"body":               "message",
	"original_message":   "message",
	"translated_message": "translated",
	"translation":        "translated",
	"translated":         "translated",
	"translated_text":    "translated",
}

var spaceNormalizer = strings.NewReplacer("\u202f", " ", "\u00a0", " ", "\u2009", " ")

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// Reader is a single-pass pull iterator over the rows of an export.
type Reader struct {
	csv     *csv.Reader
	cols    columns
	loc     *time.Location
	pending []string
	pendLn  int
	stats   Stats
	err     error
	done    bool
}

// NewReader inspects the first row to decide between a header and the
// positional layout date,time,sender,message,translated_message.
func NewReader(r io.Reader, opts Options) (*Reader, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		br.Discard(len(utf8BOM))
	}
	cr := csv.NewReader(br)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	rd := &Reader{
		csv:   cr,
		loc:   loc,
		cols:  defaultColumns,
		stats: Stats{BySender: make(map[string]int)},
	}

	first, err := cr.Read()
	if err == io.EOF {
		rd.done = true
		return rd, nil
	}
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, failure.Wrap(failure.KindUnsupportedFormat, "file is not valid CSV", err)
		}
		return nil, err
	}
	normalizeRow(first)
	if _, _, _, ok := parseDate(cell(first, 0)); ok {
		rd.pending = first
		rd.pendLn, _ = cr.FieldPos(0)
		return rd, nil
	}
	cols, err := headerColumns(first)
	if err != nil {
		return nil, err
	}
	rd.cols = cols
	return rd, nil
}

func headerColumns(header []string) (columns, error) {
	cols := columns{date: -1, clock: -1, sender: -1, message: -1, translated: -1}
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
		switch headerAliases[key] {
		case "date":
			if cols.date < 0 {
				cols.date = i
			}
		case "time":
			if cols.clock < 0 {
				cols.clock = i
			}
		case "sender":
			if cols.sender < 0 {
				cols.sender = i
			}
		case "message":
			if cols.message < 0 {
				cols.message = i
			}
		case "translated":
			if cols.translated < 0 {
				cols.translated = i
			}
		}
	}
	var missing []string
	if cols.date < 0 {
		missing = append(missing, "date")
	}
	if cols.clock < 0 {
		missing = append(missing, "time")
	}
	if cols.sender < 0 {
		missing = append(missing, "sender")
	}
	if cols.message < 0 && cols.translated < 0 {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return cols, failure.Newf(failure.KindUnsupportedFormat,
			"CSV header is missing required columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

// Next returns the next accepted record. It returns false at end of input
// or on a read error, which Err then reports.
func (r *Reader) Next() (Record, bool) {
	for !r.done {
		var row []string
		line := 0
		if r.pending != nil {
			row, r.pending = r.pending, nil
			line = r.pendLn
		} else {
			var err error
			row, err = r.csv.Read()
			if err == io.EOF {
				r.done = true
				break
			}
			if err != nil {
				var pe *csv.ParseError
				if errors.As(err, &pe) {
					r.stats.Skipped++
					continue
				}
				r.err = err
				r.done = true
				break
			}
			normalizeRow(row)
			line, _ = r.csv.FieldPos(0)
		}
		rec, ok := r.convert(row)
		if !ok {
			r.stats.Skipped++
			continue
		}
		rec.Line = line
		r.account(rec)
		return rec, true
	}
	return Record{}, false
}

func (r *Reader) convert(row []string) (Record, bool) {
	ts, ok := parseTimestamp(cell(row, r.cols.date), cell(row, r.cols.clock), r.loc)
	if !ok {
		return Record{}, false
	}
	sender := strings.TrimSpace(cell(row, r.cols.sender))
	if sender == "" {
		return Record{}, false
	}
	original := strings.TrimSpace(cell(row, r.cols.message))
	translated := strings.TrimSpace(cell(row, r.cols.translated))
	rec := Record{Timestamp: ts, Sender: sender}
	switch {
	case translated != "":
		rec.Text = translated
		rec.Translated = original != "" && original != translated
	case original != "":
		rec.Text = original
	default:
		return Record{}, false
	}
	rec.OriginalText = original
	if rec.OriginalText == "" {
		rec.OriginalText = rec.Text
	}
	return rec, true
}

func (r *Reader) account(rec Record) {
	r.stats.Accepted++
	r.stats.BySender[rec.Sender]++
	if r.stats.Earliest.IsZero() || rec.Timestamp.Before(r.stats.Earliest) {
		r.stats.Earliest = rec.Timestamp
	}
	if rec.Timestamp.After(r.stats.Latest) {
		r.stats.Latest = rec.Timestamp
	}
}

// Err reports the read error that stopped iteration, if any.
func (r *Reader) Err() error { return r.err }

// Stats returns the counters gathered so far.
func (r *Reader) Stats() Stats {
	s := r.stats
	s.BySender = make(map[string]int, len(r.stats.BySender))
	for k, v := range r.stats.BySender {
		s.BySender[k] = v
	}
	return s
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func normalizeRow(row []string) {
	for i, v := range row {
		row[i] = spaceNormalizer.Replace(v)
	}
}
