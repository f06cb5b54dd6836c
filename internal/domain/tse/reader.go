package tse

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Delimiter used by every TSE export.
const Delimiter = ';'

// Supported source encodings.
const (
	EncodingUTF8        = "utf-8"
	EncodingLatin1      = "latin1"
	EncodingWindows1252 = "windows-1252"
)

// ReaderOptions configures how raw bytes become records.
type ReaderOptions struct {
	// Encoding of the source bytes. Empty means UTF-8.
	Encoding string
	// Rewrites are applied to the byte stream before CSV parsing.
	Rewrites []Rewrite
}

// Record is one raw CSV record. Fields may be reused by the next call to
// RecordReader.Next.
type Record struct {
	Line   int
	Fields []string
}

// RecordError is a malformed record. The reader stays usable after one.
type RecordError struct {
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// RecordReader is a forward-only sequence of records from a TSE export.
type RecordReader struct {
	csv    *csv.Reader
	header Header
}

// NewRecordReader reads and validates the header, leaving the reader
// positioned at the first data record.
func NewRecordReader(r io.Reader, opts ReaderOptions) (*RecordReader, error) {
	decoded, err := Decode(r, opts.Encoding)
	if err != nil {
		return nil, err
	}
	if len(opts.Rewrites) > 0 {
		decoded = NewRewriter(decoded, opts.Rewrites)
	}

	cr := csv.NewReader(decoded)
	cr.Comma = Delimiter
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	fields, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read header: empty input")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	header, err := ParseHeader(fields)
	if err != nil {
		return nil, err
	}
	return &RecordReader{csv: cr, header: header}, nil
}

// Header returns the parsed file header.
func (r *RecordReader) Header() Header {
	return r.header
}

// Next returns the next record, io.EOF at the end, a *RecordError for a
// malformed record, or any other error when the stream itself failed.
func (r *RecordReader) Next() (Record, error) {
	fields, err := r.csv.Read()
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return Record{}, &RecordError{Line: parseErr.StartLine, Err: parseErr.Err}
		}
		return Record{}, err
	}
	line, _ := r.csv.FieldPos(0)
	return Record{Line: line, Fields: fields}, nil
}

// SupportedEncoding reports whether Decode accepts encoding.
func SupportedEncoding(encoding string) bool {
	_, err := Decode(nil, encoding)
	return err == nil
}

// Decode wraps r so it yields UTF-8.
func Decode(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingUTF8, "utf8":
		return r, nil
	case EncodingLatin1, "iso-8859-1", "iso8859-1":
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder()), nil
	case EncodingWindows1252, "cp1252":
		return transform.NewReader(r, charmap.Windows1252.NewDecoder()), nil
	default:
		return nil, fmt.Errorf("unsupported source encoding %q", encoding)
	}
}
