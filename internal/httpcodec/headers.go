package httpcodec

import "strings"

// Header is one wire header row: Name as written (not normalized), Value
// trimmed of leading spaces per spec §4.2. A row with no colon in the
// original line is stored with an empty Value; Write re-adds the colon.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered, case-insensitive-lookup header container. Order
// is preserved for wire fidelity; lookups and removal compare names
// ASCII case-insensitively, per spec invariant 9.
type Headers struct {
	rows []Header
}

// Add appends a header row, preserving any existing rows of the same name.
func (h *Headers) Add(name, value string) {
	h.rows = append(h.rows, Header{Name: name, Value: value})
}

// Set removes any existing rows matching name, then appends one new row.
func (h *Headers) Set(name, value string) {
	h.Remove(name)
	h.Add(name, value)
}

// Get returns the value of the first header row matching name
// case-insensitively, and whether one was found.
func (h *Headers) Get(name string) (string, bool) {
	for _, row := range h.rows {
		if strings.EqualFold(row.Name, name) {
			return row.Value, true
		}
	}
	return "", false
}

// Remove deletes every row matching name case-insensitively.
func (h *Headers) Remove(name string) {
	out := h.rows[:0]
	for _, row := range h.rows {
		if !strings.EqualFold(row.Name, name) {
			out = append(out, row)
		}
	}
	h.rows = out
}

// Rows returns the header rows in wire order.
func (h *Headers) Rows() []Header {
	return h.rows
}

// Len reports the number of header rows.
func (h *Headers) Len() int {
	return len(h.rows)
}

// parseHeaderLine splits a single header line (without the trailing
// CR-LF) into a Header row. A line without a colon is stored with an
// empty value, per spec §4.2.
func parseHeaderLine(line string) Header {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return Header{Name: line}
	}
	return Header{
		Name:  line[:idx],
		Value: strings.TrimLeft(line[idx+1:], " "),
	}
}
