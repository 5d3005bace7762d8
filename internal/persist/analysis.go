package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spfbld/spfbld/internal/log"
)

// Analysis appends per-decision results to data/<date>.csv, one
// "<token> <verdict>" line per decided transaction. The file rolls over
// at midnight; a write failure drops the line (analysis output is an
// audit trail, never worth blocking a decision for).
type Analysis struct {
	Dir string
	Log log.Logger

	mu      sync.Mutex
	file    *os.File
	curDate string
}

func NewAnalysis(dir string, logger log.Logger) *Analysis {
	return &Analysis{Dir: dir, Log: logger}
}

// Add records one decided transaction.
func (a *Analysis) Add(token, verdict string) {
	if token == "" || verdict == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	date := time.Now().Format("2006-01-02")
	if a.file == nil || date != a.curDate {
		if a.file != nil {
			_ = a.file.Close()
			a.file = nil
		}
		if err := os.MkdirAll(a.Dir, 0o755); err != nil {
			a.Log.Error("analysis dir create failed", err)
			return
		}
		fh, err := os.OpenFile(filepath.Join(a.Dir, date+".csv"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			a.Log.Error("analysis file open failed", err)
			return
		}
		a.file = fh
		a.curDate = date
	}

	if _, err := fmt.Fprintf(a.file, "%s %s\n", token, verdict); err != nil {
		a.Log.Error("analysis append failed", err)
	}
}

// Close flushes and closes the current day's file.
func (a *Analysis) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
}
