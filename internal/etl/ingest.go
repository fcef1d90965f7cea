package etl

import (
	"context"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

// DefaultConcurrency bounds per-file work in the ingest and archive steps.
const DefaultConcurrency = 4

// Ingestor downloads source files and concatenates them into one table.
type Ingestor struct {
	store       SourceStore
	csv         CSVOptions
	concurrency int
}

// NewIngestor creates an Ingestor. concurrency <= 0 uses DefaultConcurrency.
func NewIngestor(store SourceStore, opts CSVOptions, concurrency int) *Ingestor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Ingestor{store: store, csv: opts, concurrency: concurrency}
}

type parsedFile struct {
	header []string
	rows   [][]string
}

// Ingest reads every file and concatenates the rows in file order, then
// in-file order. All files must share the same set of header names, compared
// the way Transform normalizes them; any difference fails the whole ingest. Files with no header line contribute
// nothing. Once ctx is done no further downloads are started.
func (in *Ingestor) Ingest(ctx context.Context, files []model.SourceFile) (model.Table, error) {
	log := zap.L().With(zap.String("component", "etl.ingest"))
	if len(files) == 0 {
		return model.Table{}, nil
	}

	parsed := make([]parsedFile, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)

	started := 0
	for i, f := range files {
		if gctx.Err() != nil {
			break
		}
		started++
		g.Go(func() error {
			data, err := in.store.Download(gctx, f.Name)
			if err != nil {
				return classify(gctx, KindRetrieval, "ingest "+f.Name, err)
			}
			header, rows, err := readCSV(gctx, data, in.csv)
			if err != nil {
				return classify(gctx, KindRetrieval, "ingest "+f.Name, err)
			}
			parsed[i] = parsedFile{header: header, rows: rows}
			log.Debug("parsed source file", zap.String("file", f.Name), zap.Int("rows", len(rows)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return model.Table{}, err
	}
	if started < len(files) {
		return model.Table{}, newError(KindTimeout, "ingest",
			eris.Errorf("deadline reached after %d of %d files", started, len(files)))
	}

	table, err := concatenate(files, parsed)
	if err != nil {
		return model.Table{}, err
	}

	log.Info("ingested source files", zap.Int("files", len(files)), zap.Int("rows", table.Len()))
	return table, nil
}

// concatenate stacks the parsed files, aligning columns by normalized name to
// the first file that has a header. The table keeps that file's header text.
func concatenate(files []model.SourceFile, parsed []parsedFile) (model.Table, error) {
	var table model.Table
	var canonical []string

	for i, p := range parsed {
		if p.header == nil {
			zap.L().Warn("source file has no header, skipping", zap.String("file", files[i].Name))
			continue
		}
		keys := normalizedHeader(p.header)
		if canonical == nil {
			canonical = keys
			table.Columns = trimmed(p.header)
		}

		order, err := alignColumns(canonical, keys)
		if err != nil {
			return model.Table{}, newError(KindSchemaMismatch, "ingest "+files[i].Name, err)
		}

		for _, row := range p.rows {
			if order == nil {
				table.Rows = append(table.Rows, row)
				continue
			}
			aligned := make([]string, len(row))
			for dst, src := range order {
				aligned[dst] = row[src]
			}
			table.Rows = append(table.Rows, aligned)
		}
	}
	return table, nil
}

// alignColumns returns, for each canonical column, its index in header. A nil
// result means header is already in canonical order.
func alignColumns(canonical, header []string) ([]int, error) {
	if slices.Equal(canonical, header) {
		return nil, nil
	}
	if len(canonical) != len(header) {
		return nil, eris.Errorf("expected %d columns %v, got %d columns %v", len(canonical), canonical, len(header), header)
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[h] = i
	}
	if len(pos) != len(header) {
		return nil, eris.Errorf("duplicate column names in %v", header)
	}
	order := make([]int, len(canonical))
	for i, c := range canonical {
		j, ok := pos[c]
		if !ok {
			return nil, eris.Errorf("column %q missing; got %v", c, header)
		}
		order[i] = j
	}
	return order, nil
}

func normalizedHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = NormalizeColumn(h)
	}
	return out
}

func trimmed(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.TrimSpace(h)
	}
	return out
}
