package streaming

import (
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"
)

// chunkSize grows the read size from minSize as the reader moves through
// the resource, reaching minSize+maxSize once it is half way.
func chunkSize(pos, total, minSize, maxSize int64) int64 {
	if total <= 0 || pos <= 0 {
		return minSize
	}
	scale := min(1.0, 2*float64(pos)/float64(total))
	return minSize + int64(float64(maxSize)*scale)
}

// progressSteps is how many progress lines a full transfer produces.
const progressSteps = 20

// progressLog emits a debug line each time a transfer crosses another 5%.
type progressLog struct {
	logger *slog.Logger
	label  string
	last   int
}

func newProgressLog(logger *slog.Logger, label string) *progressLog {
	return &progressLog{logger: logger, label: label, last: -1}
}

func (p *progressLog) update(pos, length int64) {
	if length <= 0 || !p.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	step := int(min(pos, length) * progressSteps / length)
	if step == p.last {
		return
	}
	p.last = step

	p.logger.Debug(p.label,
		slog.Int("percent", step*100/progressSteps),
		slog.String("position", humanize.IBytes(uint64(pos))),
		slog.String("length", humanize.IBytes(uint64(length))),
	)
}
