package excel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"mailprice-go/internal/config"
	"mailprice-go/internal/lmstudio"
	"mailprice-go/internal/stats"
)

// Manager owns the tracking workbook: it maps configured column names onto
// the sheet's real headers, finds rows by contact email and writes analysis
// fields into them. The workbook is only persisted by Save, after a
// timestamped backup.
type Manager struct {
	cfg   config.ExcelConfig
	stats *stats.ProcessingStats
	log   *logrus.Entry

	file  *excelize.File
	sheet string
	rows  [][]string

	// config field name -> zero-based column index in the sheet
	columnIdx map[string]int
	emailIdx  int

	modified bool
}

func NewManager(cfg config.ExcelConfig, st *stats.ProcessingStats, log *logrus.Entry) *Manager {
	return &Manager{
		cfg:       cfg,
		stats:     st,
		log:       log.WithField("component", "excel"),
		columnIdx: make(map[string]int),
		emailIdx:  -1,
	}
}

// Load opens the workbook and resolves the configured column mapping
// against the first sheet's header row. Headers are matched exactly first,
// then case- and space-insensitively, since the sheet is hand-maintained.
func (m *Manager) Load() error {
	f, err := excelize.OpenFile(m.cfg.Path)
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return fmt.Errorf("no sheets in %s", m.cfg.Path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		f.Close()
		return fmt.Errorf("read rows: %w", err)
	}
	if len(rows) == 0 {
		f.Close()
		return fmt.Errorf("empty sheet %s", sheets[0])
	}

	m.file = f
	m.sheet = sheets[0]
	m.rows = rows

	header := rows[0]
	for field, wanted := range m.cfg.Columns {
		idx := findHeader(header, wanted)
		if idx == -1 {
			m.log.WithFields(logrus.Fields{"field": field, "header": wanted}).Warn("column not found")
			continue
		}
		m.columnIdx[field] = idx
	}
	if len(m.columnIdx) == 0 {
		m.close()
		return fmt.Errorf("no matching columns found in workbook")
	}
	if m.cfg.EmailColumn != "" {
		m.emailIdx = findHeader(header, m.cfg.EmailColumn)
	}
	if m.emailIdx == -1 {
		m.close()
		return fmt.Errorf("email column %q not found in workbook", m.cfg.EmailColumn)
	}

	m.log.WithFields(logrus.Fields{
		"sheet":   m.sheet,
		"rows":    len(rows) - 1,
		"columns": len(m.columnIdx),
	}).Info("workbook loaded")
	return nil
}

// CheckStructure logs the sheet layout with spreadsheet-style letters, the
// quickest way to spot a drifted column when an update lands in the wrong
// place.
func (m *Manager) CheckStructure() {
	if len(m.rows) == 0 {
		return
	}
	m.log.Info("workbook structure:")
	for idx, col := range m.rows[0] {
		name, err := excelize.ColumnNumberToName(idx + 1)
		if err != nil {
			continue
		}
		m.log.Infof("column %s: %s", name, col)
	}
}

// FindRows returns the 1-based sheet rows whose email cell contains the
// given address. A cell may hold several comma or semicolon separated
// addresses.
func (m *Manager) FindRows(emailAddr string) []int {
	want := strings.ToLower(strings.TrimSpace(emailAddr))
	if want == "" {
		return nil
	}
	var out []int
	for i, row := range m.rows {
		if i == 0 || m.emailIdx >= len(row) {
			continue
		}
		for _, cand := range strings.FieldsFunc(row[m.emailIdx], func(r rune) bool {
			return r == ',' || r == ';'
		}) {
			if strings.ToLower(strings.TrimSpace(cand)) == want {
				out = append(out, i+1)
				break
			}
		}
	}
	return out
}

// ApplyAnalysis writes the analysis fields into every row matching the
// sender address, returning how many rows were touched. Empty analysis
// fields never clobber existing cell values.
func (m *Manager) ApplyAnalysis(emailAddr string, a lmstudio.Analysis) (int, error) {
	rows := m.FindRows(emailAddr)
	if len(rows) == 0 {
		m.log.WithField("email", emailAddr).Debug("no matching rows")
		return 0, nil
	}

	values := map[string]string{
		"price_usd":        a.PriceUSD,
		"price_usd_casino": a.PriceUSDCasino,
		"important_info":   a.ImportantInfo,
		"comments":         a.Comments,
	}

	for _, rowNum := range rows {
		for field, value := range values {
			if value == "" {
				continue
			}
			colIdx, ok := m.columnIdx[field]
			if !ok {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowNum)
			if err != nil {
				return 0, fmt.Errorf("cell name for %s row %d: %w", field, rowNum, err)
			}
			if err := m.file.SetCellStr(m.sheet, cell, value); err != nil {
				return 0, fmt.Errorf("set %s: %w", cell, err)
			}
			m.stats.ExcelUpdates.Add(1)
			m.modified = true
		}
	}

	m.log.WithFields(logrus.Fields{"email": emailAddr, "rows": len(rows)}).Info("analysis applied")
	return len(rows), nil
}

// Modified reports whether any cell changed since Load.
func (m *Manager) Modified() bool { return m.modified }

func (m *Manager) close() {
	if m.file != nil {
		m.file.Close()
		m.file = nil
	}
}

// Save persists the workbook if anything changed, taking a timestamped
// backup of the previous file first and pruning old backups.
func (m *Manager) Save() error {
	if m.file == nil {
		return nil
	}
	defer m.file.Close()
	if !m.modified {
		m.log.Info("no changes, skipping save")
		return nil
	}
	if err := m.backup(); err != nil {
		// a failed backup blocks the save: never overwrite the only copy
		return fmt.Errorf("backup before save: %w", err)
	}
	if err := m.file.Save(); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	m.cleanupOldBackups()
	m.log.WithField("path", m.cfg.Path).Info("workbook saved")
	return nil
}

func (m *Manager) backup() error {
	dir := m.cfg.BackupDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(m.cfg.Path), "backups")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(m.cfg.Path)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s.%s.bak",
		filepath.Base(m.cfg.Path), time.Now().UTC().Format("20060102T150405"))
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

func (m *Manager) cleanupOldBackups() {
	dir := m.cfg.BackupDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(m.cfg.Path), "backups")
	}
	pattern := filepath.Join(dir, filepath.Base(m.cfg.Path)+".*.bak")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) <= m.cfg.BackupsToKeep {
		return
	}
	// timestamped names sort chronologically
	sort.Strings(matches)
	for _, path := range matches[:len(matches)-m.cfg.BackupsToKeep] {
		if err := os.Remove(path); err != nil {
			m.log.WithError(err).WithField("path", path).Warn("failed to remove old backup")
		}
	}
}

func findHeader(header []string, wanted string) int {
	for i, h := range header {
		if h == wanted {
			return i
		}
	}
	norm := normalizeHeader(wanted)
	for i, h := range header {
		if normalizeHeader(h) == norm {
			return i
		}
	}
	return -1
}

func normalizeHeader(h string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "")
}
