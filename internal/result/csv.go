// Package result reads the scores a client streams back, reconciles them
// with the in-flight window and persists them in send order.
package result

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"pkt.systems/dataserver/internal/wire"
)

// Column names of the reply stream and of the persisted output.
const (
	ColumnRevisionID = "REVISION_ID"
	ColumnScore      = "VANDALISM_SCORE"
)

// Header is the exact column set expected from clients.
var Header = []string{ColumnRevisionID, ColumnScore}

var (
	// ErrHeader is returned when the reply header does not match Header.
	ErrHeader = errors.New("result: wrong header")
	// ErrRow is returned for a malformed reply row.
	ErrRow = errors.New("result: malformed row")
)

// Score is one parsed reply row.
type Score struct {
	Key   int64
	Value float64
}

// Parser reads reply lines through a wire.LineReader, so it never consumes
// bytes beyond the line it parses.
type Parser struct {
	lines      *wire.LineReader
	headerRead bool
	rows       int64
}

// NewParser returns a parser reading from lines.
func NewParser(lines *wire.LineReader) *Parser {
	return &Parser{lines: lines}
}

// ReadHeader reads and validates the header line. It returns io.EOF when the
// client closed its stream without sending anything.
func (p *Parser) ReadHeader() error {
	line, err := p.lines.ReadLine()
	if err != nil {
		return err
	}
	fields, err := parseRecord(line)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHeader, err)
	}
	if len(fields) != len(Header) {
		return fmt.Errorf("%w: expected %d columns, got %d", ErrHeader, len(Header), len(fields))
	}
	for i := range Header {
		if strings.TrimSpace(fields[i]) != Header[i] {
			return fmt.Errorf("%w: column %d is %q, expected %q", ErrHeader, i+1, fields[i], Header[i])
		}
	}
	p.headerRead = true
	return nil
}

// Next returns the next score. It returns io.EOF once the client closed its
// stream cleanly.
func (p *Parser) Next() (Score, error) {
	if !p.headerRead {
		if err := p.ReadHeader(); err != nil {
			return Score{}, err
		}
	}
	line, err := p.lines.ReadLine()
	if err != nil {
		return Score{}, err
	}
	p.rows++
	return parseRow(line)
}

// Rows returns the number of data rows read.
func (p *Parser) Rows() int64 {
	return p.rows
}

func parseRow(line string) (Score, error) {
	fields, err := parseRecord(line)
	if err != nil {
		return Score{}, fmt.Errorf("%w: %v", ErrRow, err)
	}
	if len(fields) != len(Header) {
		return Score{}, fmt.Errorf("%w: expected %d columns, got %d", ErrRow, len(Header), len(fields))
	}
	key, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return Score{}, fmt.Errorf("%w: revision id %q", ErrRow, fields[0])
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return Score{}, fmt.Errorf("%w: score %q", ErrRow, fields[1])
	}
	return Score{Key: key, Value: value}, nil
}

func parseRecord(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty line")
	}
	return fields, err
}

// Printer writes the persisted output CSV.
type Printer struct {
	w       *csv.Writer
	started bool
	rows    int64
}

// NewPrinter returns a printer writing RFC 4180 CSV to w.
func NewPrinter(w io.Writer) *Printer {
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	return &Printer{w: cw}
}

// WriteHeader writes the column header. Print calls it on first use.
func (p *Printer) WriteHeader() error {
	if p.started {
		return nil
	}
	p.started = true
	if err := p.w.Write(Header); err != nil {
		return fmt.Errorf("result: write header: %w", err)
	}
	p.w.Flush()
	return p.w.Error()
}

// Print appends one row and flushes it.
func (p *Printer) Print(key int64, score float64) error {
	if err := p.WriteHeader(); err != nil {
		return err
	}
	row := []string{strconv.FormatInt(key, 10), strconv.FormatFloat(score, 'f', -1, 64)}
	if err := p.w.Write(row); err != nil {
		return fmt.Errorf("result: write row %d: %w", key, err)
	}
	p.w.Flush()
	if err := p.w.Error(); err != nil {
		return fmt.Errorf("result: flush row %d: %w", key, err)
	}
	p.rows++
	return nil
}

// Rows returns the number of rows written.
func (p *Printer) Rows() int64 {
	return p.rows
}
