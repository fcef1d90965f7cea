package etl

import (
	"bytes"
	"context"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

// FormatParquet is the only supported artifact encoding.
const FormatParquet = "parquet"

// artifactTimeLayout renders the generation timestamp in artifact names.
const artifactTimeLayout = "20060102_150405"

// WriterOptions places artifacts in the data lake.
type WriterOptions struct {
	Directory string
	Prefix    string
	Format    string
}

// Writer encodes aggregates and uploads them to the lake container.
type Writer struct {
	store LakeStore
	opts  WriterOptions
	now   func() time.Time
}

// NewWriter creates a Writer. now defaults to time.Now.
func NewWriter(store LakeStore, opts WriterOptions, now func() time.Time) *Writer {
	if now == nil {
		now = time.Now
	}
	if opts.Format == "" {
		opts.Format = FormatParquet
	}
	return &Writer{store: store, opts: opts, now: now}
}

// ArtifactName returns "{prefix}_{YYYYMMDD_HHMMSS}.{format}" for t in UTC.
func ArtifactName(prefix string, t time.Time, format string) string {
	return prefix + "_" + t.UTC().Format(artifactTimeLayout) + "." + format
}

// Write encodes records, uploads them in one put to {directory}/{name} and
// confirms the object is committed. A failed confirmation removes the object
// so no partial artifact stays at the final path.
func (w *Writer) Write(ctx context.Context, records []model.AggregateRecord) (*model.Artifact, error) {
	log := zap.L().With(zap.String("component", "etl.writer"))

	format := strings.ToLower(w.opts.Format)
	if format != FormatParquet {
		return nil, newError(KindWrite, "write", eris.Errorf("unsupported format %q", w.opts.Format))
	}

	data, err := EncodeParquet(records)
	if err != nil {
		return nil, newError(KindWrite, "write", err)
	}

	created := w.now().UTC()
	name := ArtifactName(w.opts.Prefix, created, format)
	objectPath := name
	if dir := strings.Trim(w.opts.Directory, "/"); dir != "" {
		objectPath = path.Join(dir, name)
	}

	if err := w.store.Upload(ctx, objectPath, data); err != nil {
		return nil, newError(KindWrite, "upload "+objectPath, err)
	}
	if err := w.store.Finalize(ctx, objectPath, int64(len(data))); err != nil {
		if delErr := w.store.Delete(context.WithoutCancel(ctx), objectPath, true); delErr != nil {
			log.Warn("failed to remove unconfirmed artifact", zap.String("path", objectPath), zap.Error(delErr))
		}
		return nil, newError(KindWrite, "finalize "+objectPath, err)
	}

	log.Info("wrote artifact",
		zap.String("path", objectPath),
		zap.Int("rows", len(records)),
		zap.Int("bytes", len(data)),
	)
	return &model.Artifact{
		Path:      objectPath,
		Name:      name,
		Size:      int64(len(data)),
		Rows:      len(records),
		CreatedAt: created,
	}, nil
}

// EncodeParquet serializes records into an in-memory parquet file.
func EncodeParquet(records []model.AggregateRecord) ([]byte, error) {
	var buf bytes.Buffer
	pw := parquet.NewGenericWriter[model.AggregateRecord](&buf)
	if _, err := pw.Write(records); err != nil {
		return nil, eris.Wrap(err, "parquet: write rows")
	}
	if err := pw.Close(); err != nil {
		return nil, eris.Wrap(err, "parquet: close writer")
	}
	return buf.Bytes(), nil
}

// ReadArtifact decodes a parquet artifact back into aggregate records.
func ReadArtifact(data []byte) ([]model.AggregateRecord, error) {
	recs, err := parquet.Read[model.AggregateRecord](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrap(err, "parquet: read artifact")
	}
	return recs, nil
}

// AggregateColumns is the column order of an artifact row.
var AggregateColumns = []string{
	model.ColSegment, model.ColCountry, model.ColSaleYear, model.ColSaleMonth,
	model.ColTotalUnitsSold, model.ColTotalGrossSales,
}

// AggregateTable renders records as a string table in AggregateColumns order.
// Sums are formatted with the shortest exact representation.
func AggregateTable(records []model.AggregateRecord) model.Table {
	table := model.Table{Columns: slices.Clone(AggregateColumns), Rows: make([][]string, 0, len(records))}
	for _, r := range records {
		table.Rows = append(table.Rows, []string{
			r.Segment,
			r.Country,
			strconv.Itoa(int(r.SaleYear)),
			strconv.Itoa(int(r.SaleMonth)),
			strconv.FormatFloat(r.TotalUnitsSold, 'f', -1, 64),
			strconv.FormatFloat(r.TotalGrossSales, 'f', -1, 64),
		})
	}
	return table
}
