package etl

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the delimited-text reader.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // comment character (0 = none)
	LazyQuotes bool
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// readCSV parses a delimited payload with a header row. A payload with no
// header at all returns a nil header and no rows. Rows whose width differs
// from the header are a schema mismatch.
func readCSV(ctx context.Context, data []byte, opts CSVOptions) ([]string, [][]string, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	if opts.Comment != 0 {
		reader.Comment = opts.Comment
	}
	reader.LazyQuotes = opts.LazyQuotes
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, eris.Wrap(err, "csv: read header")
	}

	var rows [][]string
	for {
		if ctx.Err() != nil {
			return nil, nil, eris.Wrap(ctx.Err(), "csv: context cancelled")
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, csv.ErrFieldCount) {
				return nil, nil, newError(KindSchemaMismatch, "ingest", eris.Wrapf(err, "csv: row %d", len(rows)+2))
			}
			return nil, nil, eris.Wrap(err, "csv: read row")
		}
		rows = append(rows, record)
	}
	return header, rows, nil
}
