package weights

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// ProgressReader logs how much of a download has been copied, at most once a second.
type ProgressReader struct {
	r io.Reader

	filename   string
	n          float64
	lastPrintN float64
	lastPrint  time.Time
	logger     *zap.Logger
}

func NewProgressReader(r io.Reader, filename string, logger *zap.Logger) *ProgressReader {
	return &ProgressReader{
		r:         r,
		logger:    logger,
		filename:  filename,
		lastPrint: time.Now(),
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.n += float64(n) / (1 << 10)

	if time.Since(pr.lastPrint) > time.Second ||
		(err != nil && pr.n != pr.lastPrintN) {

		pr.logger.Info(fmt.Sprintf("Copied %3.1fKiB for %s", pr.n, pr.filename))
		pr.lastPrintN = pr.n
		pr.lastPrint = time.Now()
	}
	return n, err
}
