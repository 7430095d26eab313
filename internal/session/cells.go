package session

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"
)

// Cells returns a copy of the notebook's cell list.
func (s *Session) Cells() []types.Cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Cell, len(s.nb.Cells))
	copy(out, s.nb.Cells)
	return out
}

// AppendCell adds a cell at the end of the notebook and returns its ID.
func (s *Session) AppendCell(kind types.CellKind, source string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.nb.Cells = append(s.nb.Cells, types.Cell{
		ID:     id,
		Kind:   kind,
		Source: source,
		Dirty:  kind == types.CellCode,
	})
	return id
}

// InsertCell adds a cell at the given position.
func (s *Session) InsertCell(index int, kind types.CellKind, source string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index > len(s.nb.Cells) {
		return "", fmt.Errorf("insert index %d out of range", index)
	}
	id := uuid.NewString()
	cell := types.Cell{ID: id, Kind: kind, Source: source, Dirty: kind == types.CellCode}
	s.nb.Cells = append(s.nb.Cells, types.Cell{})
	copy(s.nb.Cells[index+1:], s.nb.Cells[index:])
	s.nb.Cells[index] = cell
	return id, nil
}

// UpdateCell replaces a cell's source without running it. A changed code
// cell is marked dirty.
func (s *Session) UpdateCell(index int, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.nb.Cells) {
		return fmt.Errorf("cell index %d out of range", index)
	}
	cell := &s.nb.Cells[index]
	if cell.Source == source {
		return nil
	}
	cell.Source = source
	if cell.Kind == types.CellCode {
		cell.Dirty = true
	}
	return nil
}

// RemoveCell deletes a cell. Interpreter state it produced is untouched.
func (s *Session) RemoveCell(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.nb.Cells) {
		return fmt.Errorf("cell index %d out of range", index)
	}
	s.nb.Cells = append(s.nb.Cells[:index], s.nb.Cells[index+1:]...)
	return nil
}

// MoveCell relocates a cell to a new position, preserving relative order of
// the others.
func (s *Session) MoveCell(from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.nb.Cells)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("move %d -> %d out of range", from, to)
	}
	if from == to {
		return nil
	}
	cell := s.nb.Cells[from]
	rest := append(s.nb.Cells[:from], s.nb.Cells[from+1:]...)
	rest = append(rest, types.Cell{})
	copy(rest[to+1:], rest[to:])
	rest[to] = cell
	s.nb.Cells = rest
	return nil
}
