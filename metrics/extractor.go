package metrics

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/carbocation/qsmpipe"
	"github.com/carbocation/qsmpipe/atlas"
	"github.com/carbocation/qsmpipe/layout"
	"github.com/carbocation/qsmpipe/volume"
)

// Extractor walks every subject under Root and every variant that has been
// registered, and builds the metrics table.
type Extractor struct {
	Root string

	// Atlases in column order; the original tables put structures before
	// tissues.
	Atlases []*atlas.Atlas

	// Percentile for the vein threshold; zero means VeinPercentile.
	Percentile float64

	Logger *log.Logger
}

// Columns returns the region columns: every atlas's regions in order. Region
// names must be unique across atlases.
func (e *Extractor) Columns() ([]string, error) {
	dicts := make([]*atlas.Dictionary, 0, len(e.Atlases))
	var out []string
	for _, a := range e.Atlases {
		dicts = append(dicts, a.Dictionary)
		out = append(out, a.Dictionary.Names()...)
	}

	if err := atlas.CheckDisjoint(dicts...); err != nil {
		return nil, err
	}

	return out, nil
}

// Extract builds the table. Subjects or variants that fail are logged,
// reported in the returned failures and left out of the table.
func (e *Extractor) Extract(ctx context.Context) (*Table, []qsmpipe.Failure, error) {
	lg := e.Logger
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}

	columns, err := e.Columns()
	if err != nil {
		return nil, nil, err
	}

	subjects, err := layout.Subjects(e.Root)
	if err != nil {
		return nil, nil, err
	}

	table := NewTable(columns)
	var failures []qsmpipe.Failure
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return table, failures, err
		}

		lg.Println(subject.ID)

		variants, err := layout.RegisteredVariants(subject, lg)
		if err != nil {
			lg.Printf("%s: skipping subject: %v\n", subject.ID, err)
			failures = append(failures, qsmpipe.Failure{Subject: subject.ID, Err: err})
			continue
		}

		for _, variant := range variants {
			row, err := e.Row(variant)
			if err != nil {
				lg.Printf("%s/%s: skipping variant: %v\n", subject.ID, variant.Name, err)
				failures = append(failures, qsmpipe.Failure{Subject: subject.ID, Variant: variant.Name, Err: err})
				continue
			}
			table.Add(row)
		}
	}

	return table, failures, nil
}

// Row computes one variant's metrics. CSvO2 comes from the native space map
// and eroded mask; region means from the registered map and mask.
func (e *Extractor) Row(v layout.Variant) (Row, error) {
	row := NewRow(v.Subject.ID, v.Name)

	percentile := e.Percentile
	if percentile == 0 {
		percentile = VeinPercentile
	}

	chi, err := volume.Load(v.Chi())
	if err != nil {
		return row, err
	}
	mask, _, err := volume.LoadMask(v.Mask())
	if err != nil {
		return row, err
	}
	sat, err := Saturation(chi, mask, percentile)
	if err != nil {
		return row, fmt.Errorf("CSvO2: %w", err)
	}
	row.Threshold, row.CSvO2 = sat.Threshold, sat.CSvO2

	registered, err := volume.Load(v.RegisteredChi())
	if err != nil {
		return row, err
	}
	registeredMask, _, err := volume.LoadMask(v.RegisteredMask())
	if err != nil {
		return row, err
	}

	for _, a := range e.Atlases {
		means, err := RegionMeans(registered, a, registeredMask)
		if err != nil {
			return row, fmt.Errorf("%s: %w", a.Name(), err)
		}
		for _, m := range means {
			row.Regions[m.Name] = m.Mean
		}
	}

	return row, nil
}
