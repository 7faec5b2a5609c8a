package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// Record is a CSV row addressed by header name.
type Record struct {
	index  map[string]int
	fields []string
}

// Get returns the trimmed value of column name, or "" when absent.
func (r Record) Get(name string) string {
	i, ok := r.index[name]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

// ReadCSV calls fn for every data row of a headed CSV file. A UTF-8 byte
// order mark before the header is dropped, as GTFS producers often emit one.
func ReadCSV(ctx context.Context, r io.Reader, fn func(Record) error) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "csv: read header")
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}

	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "csv: cancelled")
		}
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "csv: read row")
		}
		if err := fn(Record{index: index, fields: fields}); err != nil {
			return err
		}
	}
}
