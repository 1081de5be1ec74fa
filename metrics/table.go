package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"
)

// Fixed leading columns of the wide table.
var wideHeader = []string{"ID", "bckgRemoval", "dipoleInv", "Thresh", "CSvO2"}

// Row is one (subject, variant) record.
type Row struct {
	ID                string
	Variant           string
	BackgroundRemoval string
	DipoleInversion   string
	Threshold         float64
	CSvO2             float64
	Regions           map[string]float64
}

// SplitVariant splits a variant directory name such as resharp_rts into its
// background field removal (first field) and dipole inversion (last field)
// algorithms. A name without an underscore is both.
func SplitVariant(variant string) (backgroundRemoval, dipoleInversion string) {
	parts := strings.Split(variant, "_")
	return parts[0], parts[len(parts)-1]
}

// NewRow starts a row for a subject and variant.
func NewRow(id, variant string) Row {
	bg, di := SplitVariant(variant)
	return Row{
		ID:                id,
		Variant:           variant,
		BackgroundRemoval: bg,
		DipoleInversion:   di,
		Threshold:         math.NaN(),
		CSvO2:             math.NaN(),
		Regions:           make(map[string]float64),
	}
}

// Method is the label used to group rows in plots.
func (r Row) Method() string {
	return r.BackgroundRemoval + "_" + r.DipoleInversion
}

// Table is the wide metrics table: one row per (subject, variant), one column
// per region after the fixed columns.
type Table struct {
	Regions []string
	Rows    []Row
}

// NewTable fixes the region column order.
func NewTable(regions []string) *Table {
	return &Table{Regions: append([]string(nil), regions...)}
}

func (t *Table) Add(r Row) {
	t.Rows = append(t.Rows, r)
}

// Header returns the column names of the wide table.
func (t *Table) Header() []string {
	return append(append([]string(nil), wideHeader...), t.Regions...)
}

// WriteCSV writes the wide table. Missing values are empty cells.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header()); err != nil {
		return pfx.Err(err)
	}

	for _, r := range t.Rows {
		record := []string{r.ID, r.BackgroundRemoval, r.DipoleInversion, formatValue(r.Threshold), formatValue(r.CSvO2)}
		for _, region := range t.Regions {
			value, exists := r.Regions[region]
			if !exists {
				value = Missing
			}
			record = append(record, formatValue(value))
		}
		if err := cw.Write(record); err != nil {
			return pfx.Err(err)
		}
	}

	cw.Flush()
	return pfx.Err(cw.Error())
}

// WriteCSVFile writes the wide table to path, creating its directory.
func (t *Table) WriteCSVFile(path string) error {
	return writeFile(path, t.WriteCSV)
}

// ReadTable reads a wide table written by WriteCSV. The variant is rebuilt
// from its two algorithm columns.
func ReadTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, pfx.Err(err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("metrics table is empty")
	}

	header := records[0]
	if len(header) < len(wideHeader) {
		return nil, fmt.Errorf("metrics table has %d columns, expected at least %d", len(header), len(wideHeader))
	}
	for i, col := range wideHeader {
		if header[i] != col {
			return nil, fmt.Errorf("metrics table column %d is %q, expected %q", i+1, header[i], col)
		}
	}

	t := NewTable(header[len(wideHeader):])
	for line, record := range records[1:] {
		row := NewRow(record[0], record[1]+"_"+record[2])
		row.BackgroundRemoval, row.DipoleInversion = record[1], record[2]

		if row.Threshold, err = parseValue(record[3]); err != nil {
			return nil, fmt.Errorf("line %d: %w", line+2, err)
		}
		if row.CSvO2, err = parseValue(record[4]); err != nil {
			return nil, fmt.Errorf("line %d: %w", line+2, err)
		}
		for i, region := range t.Regions {
			if row.Regions[region], err = parseValue(record[len(wideHeader)+i]); err != nil {
				return nil, fmt.Errorf("line %d: %w", line+2, err)
			}
		}
		t.Add(row)
	}

	return t, nil
}

func formatValue(x float64) string {
	if IsMissing(x) {
		return ""
	}
	return strconv.FormatFloat(x, 'g', -1, 64)
}

func parseValue(s string) (float64, error) {
	if strings.TrimSpace(s) == "" {
		return Missing, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// Value is a float that round-trips Missing as an empty cell.
type Value float64

func (v Value) MarshalCSV() (string, error) {
	return formatValue(float64(v)), nil
}

func (v *Value) UnmarshalCSV(s string) error {
	x, err := parseValue(s)
	if err != nil {
		return err
	}
	*v = Value(x)
	return nil
}

// LongRow is the tidy form of one region value, with the column names the
// plots expect.
type LongRow struct {
	ID                string `csv:"ID"`
	BackgroundRemoval string `csv:"Background field removal"`
	DipoleInversion   string `csv:"Dipole inversion"`
	Method            string `csv:"Method"`
	Region            string `csv:"Region"`
	Value             Value  `csv:"Value"`
}

// Long melts the table: one row per (subject, variant, region), regions in
// column order.
func (t *Table) Long() []*LongRow {
	out := make([]*LongRow, 0, len(t.Rows)*len(t.Regions))
	for _, r := range t.Rows {
		for _, region := range t.Regions {
			value, exists := r.Regions[region]
			if !exists {
				value = Missing
			}
			out = append(out, &LongRow{
				ID:                r.ID,
				BackgroundRemoval: r.BackgroundRemoval,
				DipoleInversion:   r.DipoleInversion,
				Method:            r.Method(),
				Region:            region,
				Value:             Value(value),
			})
		}
	}

	return out
}

// WriteLongFile writes rows as CSV.
func WriteLongFile(path string, rows []*LongRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return pfx.Err(err)
	}

	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}

	if err := gocsv.MarshalFile(&rows, f); err != nil {
		f.Close()
		return pfx.Err(err)
	}

	return pfx.Err(f.Close())
}

// ReadLong reads a long table. Rows whose Method is blank get it rebuilt from
// the two algorithm columns.
func ReadLong(data []byte) ([]*LongRow, error) {
	var rows []*LongRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, pfx.Err(err)
	}

	for _, r := range rows {
		if r.Method == "" {
			r.Method = r.BackgroundRemoval + "_" + r.DipoleInversion
		}
	}

	return rows, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return pfx.Err(err)
	}

	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}

	if err := write(f); err != nil {
		f.Close()
		return err
	}

	return pfx.Err(f.Close())
}
