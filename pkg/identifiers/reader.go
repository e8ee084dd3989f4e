package identifiers

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultColumn is the CSV header holding identifiers.
const DefaultColumn = "NPI"

// candidate delimiters, in order of preference when counts tie.
var delimiters = []rune{',', ';', '\t', '|'}

// ErrColumnNotFound is returned when the CSV header lacks the identifier column.
var ErrColumnNotFound = errors.New("identifier column not found")

// Stats counts what the reader saw.
type Stats struct {
	TotalRows int `json:"total_rows"`
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	Duplicate int `json:"duplicate"`
	Blank     int `json:"blank"`
}

// SuccessRate returns the percentage of rows that produced a usable identifier.
func (s Stats) SuccessRate() float64 {
	if s.TotalRows == 0 {
		return 0
	}
	return float64(s.Valid) / float64(s.TotalRows) * 100
}

// reportExamples caps the rejected rows listed in a Report.
const reportExamples = 10

// Report is Stats plus the first rejected rows of each kind.
type Report struct {
	Stats
	InvalidExamples   []Row `json:"invalid_examples,omitempty"`
	DuplicateExamples []Row `json:"duplicate_examples,omitempty"`
}

// Row is a rejected input row, kept for reporting.
type Row struct {
	Number int    `json:"row"`
	Value  string `json:"value"`
}

// Reader loads identifiers from a CSV file with a header row.
type Reader struct {
	Path   string
	Column string

	// SkipValidation keeps values that fail Validate.
	SkipValidation bool

	Logger zerolog.Logger

	stats      Stats
	invalid    []Row
	duplicates []Row
}

// NewReader creates a reader for the default identifier column.
func NewReader(path string, logger zerolog.Logger) *Reader {
	return &Reader{
		Path:   path,
		Column: DefaultColumn,
		Logger: logger,
	}
}

// Load implements the orchestrator's identifier source.
func (r *Reader) Load() ([]string, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("open identifier file: %w", err)
	}
	defer f.Close()

	r.Logger.Info().Str("path", r.Path).Msg("Reading identifiers")
	return r.Read(f)
}

// Read parses identifiers from src.
func (r *Reader) Read(src io.Reader) ([]string, error) {
	r.stats = Stats{}
	r.invalid = nil
	r.duplicates = nil

	column := r.Column
	if column == "" {
		column = DefaultColumn
	}

	buffered := bufio.NewReader(src)
	header, err := buffered.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if strings.TrimSpace(header) == "" {
		return nil, fmt.Errorf("%w: %q (file has no header)", ErrColumnNotFound, column)
	}

	cr := csv.NewReader(io.MultiReader(strings.NewReader(header), buffered))
	cr.Comma = sniffDelimiter(header)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	fields, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	index := -1
	for i, name := range fields {
		if strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) == column {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: %q (available columns: %s)", ErrColumnNotFound, column, strings.Join(fields, ", "))
	}

	seen := make(map[string]struct{})
	ids := make([]string, 0)

	// Header is row 1.
	for rowNum := 2; ; rowNum++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse row %d: %w", rowNum, err)
		}
		r.stats.TotalRows++

		value := ""
		if index < len(record) {
			value = strings.TrimSpace(record[index])
		}

		if value == "" {
			r.stats.Blank++
			r.Logger.Debug().Int("row", rowNum).Msg("Blank identifier")
			continue
		}

		if !r.SkipValidation && !IsValid(value) {
			r.stats.Invalid++
			r.invalid = append(r.invalid, Row{Number: rowNum, Value: value})
			r.Logger.Warn().Int("row", rowNum).Str("identifier", value).Msg("Invalid identifier")
			continue
		}

		if _, dup := seen[value]; dup {
			r.stats.Duplicate++
			r.duplicates = append(r.duplicates, Row{Number: rowNum, Value: value})
			r.Logger.Debug().Int("row", rowNum).Str("identifier", value).Msg("Duplicate identifier")
			continue
		}

		seen[value] = struct{}{}
		ids = append(ids, value)
		r.stats.Valid++
	}

	r.Logger.Info().
		Int("total_rows", r.stats.TotalRows).
		Int("valid", r.stats.Valid).
		Int("invalid", r.stats.Invalid).
		Int("duplicate", r.stats.Duplicate).
		Int("blank", r.stats.Blank).
		Msg("Identifiers loaded")

	return ids, nil
}

// Stats returns the counters of the last Read.
func (r *Reader) Stats() Stats {
	return r.stats
}

// InvalidRows returns rows rejected by validation in the last Read.
func (r *Reader) InvalidRows() []Row {
	return append([]Row(nil), r.invalid...)
}

// DuplicateRows returns rows dropped as duplicates in the last Read.
func (r *Reader) DuplicateRows() []Row {
	return append([]Row(nil), r.duplicates...)
}

// Report returns the counters of the last Read with up to ten invalid and
// ten duplicate rows.
func (r *Reader) Report() Report {
	return Report{
		Stats:             r.stats,
		InvalidExamples:   firstRows(r.invalid, reportExamples),
		DuplicateExamples: firstRows(r.duplicates, reportExamples),
	}
}

func firstRows(rows []Row, n int) []Row {
	if len(rows) > n {
		rows = rows[:n]
	}
	return append([]Row(nil), rows...)
}

// sniffDelimiter picks the candidate delimiter that occurs most often in the header.
func sniffDelimiter(header string) rune {
	best, bestCount := ',', 0
	for _, d := range delimiters {
		if n := strings.Count(header, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}
