package etl

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/blobstore"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	_ SourceStore  = (*blobstore.MemoryContainer)(nil)
	_ ArchiveStore = (*blobstore.MemoryContainer)(nil)
	_ LakeStore    = (*blobstore.MemoryContainer)(nil)
)

// refDate is the reference date used across the package tests.
var refDate = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	account *blobstore.MemoryAccount
	source  *blobstore.MemoryContainer
	archive *blobstore.MemoryContainer
	lake    *blobstore.MemoryContainer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	acct := blobstore.NewMemoryAccount()
	return &fixture{
		account: acct,
		source:  acct.Container("sales-landing"),
		archive: acct.Container("sales-archive"),
		lake:    acct.Container("datalake"),
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Source:  f.source,
		Archive: f.archive,
		Lake:    f.lake,
		Now:     func() time.Time { return refDate },
	}
}

const salesHeader = "Segment,Country,Product,Units Sold,Gross Sales,Date\n"
