// Package memory provides an in-process report writer for tests and the
// memory data backend.
package memory

import (
	"context"
	"fmt"
	"sync"

	ports "tesorero/internal/sheets"
)

type Store struct {
	mu   sync.Mutex
	rows []ports.VarianceRow
}

var _ ports.ReportWriter = (*Store)(nil)

func New() *Store {
	return &Store{}
}

// AppendVarianceRow records the row and returns a synthetic reference.
func (s *Store) AppendVarianceRow(_ context.Context, row ports.VarianceRow) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return fmt.Sprintf("mem:%d", len(s.rows)), nil
}

// Rows returns a copy of everything appended so far.
func (s *Store) Rows() []ports.VarianceRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.VarianceRow(nil), s.rows...)
}
