// Package metrics provides a thin CSV-file sink for dispatcher and
// connection-manager counters, for simple single-process deployments
// that don't warrant a full metrics backend.
package metrics

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tzrikka/xdg"
)

const (
	DefaultConnectionsFile = "metrics/swill_connections_%s.csv"
	DefaultRequestsFile    = "metrics/swill_requests_%s.csv"

	fileFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY
	filePerms = xdg.NewFilePermissions
)

var (
	muConn sync.Mutex
	muReq  sync.Mutex
)

// IncrementConnectionCounter records one connection-manager lifecycle
// event ("accept" or "close").
func IncrementConnectionCounter(l *slog.Logger, t time.Time, connID, event string) {
	muConn.Lock()
	defer muConn.Unlock()

	record := []string{t.Format(time.RFC3339), connID, event}
	if err := appendToCSVFile(DefaultConnectionsFile, t, record); err != nil {
		l.Error("metrics error: failed to record connection event", slog.Any("error", err),
			slog.String("connection_id", connID), slog.String("event", event))
	}
}

// IncrementRequestCounter records one request's terminal outcome
// ("message", "end_of_stream", "error", or "cancelled").
func IncrementRequestCounter(l *slog.Logger, t time.Time, method, outcome string) {
	muReq.Lock()
	defer muReq.Unlock()

	record := []string{t.Format(time.RFC3339), method, outcome}
	if err := appendToCSVFile(DefaultRequestsFile, t, record); err != nil {
		l.Error("metrics error: failed to record request outcome", slog.Any("error", err),
			slog.String("method", method), slog.String("outcome", outcome))
	}
}

func appendToCSVFile(filename string, t time.Time, record []string) error {
	filename = fmt.Sprintf(filename, t.Format(time.DateOnly))
	f, err := os.OpenFile(filename, fileFlags, filePerms) //gosec:disable G304 // Hardcoded path.
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(record); err != nil {
		return err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	return nil
}
