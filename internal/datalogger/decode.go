package datalogger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/gspctl/internal/feed"
	"github.com/danmuck/gspctl/internal/logging"
	"github.com/danmuck/gspctl/internal/logstore"
	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/sbem"
)

// DecodeFile decodes a persisted log and publishes its samples to sink
// when one is given. Serial and log id are taken from the file name when
// it follows the log store naming, otherwise from the base name.
func DecodeFile(ctx context.Context, path string, sink feed.Sink) (*sbem.Log, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}
	l := sbem.Decode(raw)

	serial, logID := filepath.Base(path), uint32(0)
	if entry, ok := logstore.ParseName(filepath.Base(path)); ok {
		serial, logID = entry.Serial, entry.LogID
	}
	logger := logging.WithComponent("datalogger")
	logger.Info().
		Str("path", path).
		Int("records", l.Records).
		Int("samples", l.Len()).
		Int("skipped", l.Skipped).
		AnErr("decode_err", l.Err).
		Msg("datalogger.DecodeFile decoded")
	n, err := feed.PublishLog(ctx, sink, serial, logID, l)
	return l, n, err
}
