// Package feedback reads prior-cycle reflexive feedback rows and advances
// the feedback loop after a successful pipeline run. The source is modeled
// as a spreadsheet: named worksheets of header + data rows, where consuming
// feedback is a single batch move from the active sheet to the archive.
package feedback

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Row is one feedback row: a mapping of column name to value. Column order
// comes from the worksheet header.
type Row map[string]string

// Records is an ordered read of a worksheet.
type Records struct {
	Columns []string
	Rows    []Row
}

// Source is the reflexive feedback boundary: an ordered read of a worksheet
// plus a batch move that consumes rows once a pipeline run has completed.
type Source interface {
	// Rows returns the worksheet's data rows in sheet order.
	Rows(ctx context.Context, sheet string) (*Records, error)
	// MoveRows appends all data rows of src to dst and deletes them from
	// src, leaving src header-only. One batch move, not per-record.
	MoveRows(ctx context.Context, src, dst string) error
}

// DirSource is a Source backed by a directory of CSV worksheets, one file
// per sheet. A missing worksheet reads as empty.
type DirSource struct {
	dir    string
	logger *zap.Logger
}

// NewDirSource creates a directory-backed feedback source.
func NewDirSource(dir string, logger *zap.Logger) *DirSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirSource{dir: dir, logger: logger}
}

func (s *DirSource) sheetPath(sheet string) string {
	return filepath.Join(s.dir, sheet+".csv")
}

// Rows implements Source.
func (s *DirSource) Rows(ctx context.Context, sheet string) (*Records, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.sheetPath(sheet))
	if err != nil {
		if os.IsNotExist(err) {
			return &Records{}, nil
		}
		return nil, fmt.Errorf("failed to open worksheet %s: %w", sheet, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return &Records{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read worksheet header: %w", err)
	}

	recs := &Records{Columns: header}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read worksheet row: %w", err)
		}
		m := make(Row, len(header))
		for i, col := range header {
			if i < len(row) {
				m[col] = row[i]
			} else {
				m[col] = ""
			}
		}
		recs.Rows = append(recs.Rows, m)
	}
	return recs, nil
}

// MoveRows implements Source. The move is idempotent for an already-empty
// source sheet.
func (s *DirSource) MoveRows(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srcRecs, err := s.Rows(ctx, src)
	if err != nil {
		return err
	}
	if len(srcRecs.Rows) == 0 {
		s.logger.Debug("no feedback rows to archive", zap.String("sheet", src))
		return nil
	}

	if err := s.appendRows(dst, srcRecs); err != nil {
		return err
	}

	// Truncate source back to header only.
	if err := s.writeSheet(src, srcRecs.Columns, nil); err != nil {
		return err
	}
	s.logger.Info("feedback rows archived",
		zap.String("from", src), zap.String("to", dst), zap.Int("rows", len(srcRecs.Rows)))
	return nil
}

func (s *DirSource) appendRows(sheet string, recs *Records) error {
	existing, err := s.Rows(context.Background(), sheet)
	if err != nil {
		return err
	}
	columns := existing.Columns
	if len(columns) == 0 {
		columns = recs.Columns
	}
	rows := append(existing.Rows, recs.Rows...)
	return s.writeSheet(sheet, columns, rows)
}

func (s *DirSource) writeSheet(sheet string, columns []string, rows []Row) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create feedback directory: %w", err)
	}
	f, err := os.Create(s.sheetPath(sheet))
	if err != nil {
		return fmt.Errorf("failed to write worksheet %s: %w", sheet, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("failed to write worksheet header: %w", err)
	}
	for _, row := range rows {
		line := make([]string, len(columns))
		for i, col := range columns {
			line[i] = row[col]
		}
		if err := w.Write(line); err != nil {
			return fmt.Errorf("failed to write worksheet row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}
