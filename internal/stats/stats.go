package stats

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Error categories tracked per run.
const (
	ErrJSONParse  = "json_parse"
	ErrAPI        = "api"
	ErrAnalysis   = "analysis"
	ErrIMAP       = "imap"
	ErrExcel      = "excel"
	ErrProcessing = "processing"
)

var categories = []string{ErrJSONParse, ErrAPI, ErrAnalysis, ErrIMAP, ErrExcel, ErrProcessing}

// ProcessingStats collects per-run counters. It is created once in main and
// handed to every component; nothing here is persisted. Increments are
// atomic so a future concurrent processor cannot corrupt the counts.
type ProcessingStats struct {
	StartTime time.Time

	EmailsProcessed atomic.Int64
	EmailsMatched   atomic.Int64
	LMStudioCalls   atomic.Int64
	ExcelUpdates    atomic.Int64

	errors map[string]*atomic.Int64
}

func New() *ProcessingStats {
	s := &ProcessingStats{
		StartTime: time.Now(),
		errors:    make(map[string]*atomic.Int64, len(categories)),
	}
	for _, c := range categories {
		s.errors[c] = &atomic.Int64{}
	}
	return s
}

// IncError bumps the counter for a known category. Unknown categories are
// folded into "processing" rather than dropped.
func (s *ProcessingStats) IncError(category string) {
	c, ok := s.errors[category]
	if !ok {
		c = s.errors[ErrProcessing]
	}
	c.Add(1)
}

func (s *ProcessingStats) ErrorCount(category string) int64 {
	if c, ok := s.errors[category]; ok {
		return c.Load()
	}
	return 0
}

func (s *ProcessingStats) TotalErrors() int64 {
	var total int64
	for _, c := range s.errors {
		total += c.Load()
	}
	return total
}

// LogSummary writes the end-of-run report.
func (s *ProcessingStats) LogSummary(log *logrus.Entry) {
	fields := logrus.Fields{
		"duration":         time.Since(s.StartTime).Round(time.Millisecond).String(),
		"emails_processed": s.EmailsProcessed.Load(),
		"emails_matched":   s.EmailsMatched.Load(),
		"lm_studio_calls":  s.LMStudioCalls.Load(),
		"excel_updates":    s.ExcelUpdates.Load(),
	}
	for _, c := range categories {
		if n := s.errors[c].Load(); n > 0 {
			fields["errors_"+c] = n
		}
	}
	log.WithFields(fields).Info("run summary")
}
