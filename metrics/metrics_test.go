package metrics

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/carbocation/qsmpipe"
	"github.com/carbocation/qsmpipe/atlas"
	"github.com/carbocation/qsmpipe/layout"
	"github.com/carbocation/qsmpipe/volume"
)

func fullMask(shape [3]int) *volume.Mask {
	m := &volume.Mask{Shape: shape, Voxels: make([]bool, shape[0]*shape[1]*shape[2])}
	for i := range m.Voxels {
		m.Voxels[i] = true
	}
	return m
}

func TestSaturationKnownValues(t *testing.T) {
	// 2000 voxels: 1999 at 0.01, one vein at 0.5. The 99.95th percentile
	// sits at rank 1998.0005, between the last two order statistics.
	chi := volume.New([3]int{20, 10, 10}, volume.Identity())
	for i := range chi.Data {
		chi.Data[i] = 0.01
	}
	chi.Data[123] = 0.5

	got, err := Saturation(chi, fullMask(chi.Shape), VeinPercentile)
	if err != nil {
		t.Fatal(err)
	}

	if got.VeinVoxels != 1 || got.TissueVoxels != 1999 {
		t.Fatalf("vein/tissue voxels = %d/%d", got.VeinVoxels, got.TissueVoxels)
	}
	if want := 0.01 + 0.0005*0.49; math.Abs(got.Threshold-want) > 1e-12 {
		t.Errorf("threshold = %g, want %g", got.Threshold, want)
	}
	want := 1 - (0.5-0.01)/(4*math.Pi*0.21*0.5)
	if math.Abs(got.CSvO2-want) > 1e-12 {
		t.Errorf("CSvO2 = %g, want %g", got.CSvO2, want)
	}
}

func TestPercentileInterpolatesAtRank(t *testing.T) {
	sorted := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	for _, tc := range []struct {
		p, want float64
	}{
		{0, 0},
		{50, 4.5},
		{80, 7.2},
		{99.95, 8.9955},
		{100, 9},
	} {
		if got := Percentile(sorted, tc.p); math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("percentile %g = %g, want %g", tc.p, got, tc.want)
		}
	}

	if got := Percentile([]float64{3}, 40); got != 3 {
		t.Errorf("single value: got %g", got)
	}
	if !math.IsNaN(Percentile(nil, 50)) {
		t.Error("empty input should give NaN")
	}
}

func TestSaturationVeinIncludesVoxelsOutsideMask(t *testing.T) {
	chi := volume.New([3]int{10, 1, 1}, volume.Identity())
	copy(chi.Data, []float64{0, 0, 0, 0, 0, 0, 0, 0.5, 5, 9})
	mask := fullMask(chi.Shape)
	mask.Voxels[9] = false

	got, err := Saturation(chi, mask, 80)
	if err != nil {
		t.Fatal(err)
	}

	// The threshold comes from the nine masked voxels only.
	if math.Abs(got.Threshold-0.2) > 1e-12 {
		t.Errorf("threshold = %g, want 0.2", got.Threshold)
	}
	if got.VeinVoxels != 3 || math.Abs(got.Vein-14.5/3) > 1e-12 {
		t.Errorf("vein = %g over %d voxels, want %g over 3", got.Vein, got.VeinVoxels, 14.5/3)
	}
	if got.TissueVoxels != 7 || got.Tissue != 0 {
		t.Errorf("tissue = %g over %d voxels", got.Tissue, got.TissueVoxels)
	}
	want := 1 - (14.5/3)/(4*math.Pi*0.21*0.5)
	if math.Abs(got.CSvO2-want) > 1e-12 {
		t.Errorf("CSvO2 = %g, want %g", got.CSvO2, want)
	}
}

func TestSaturationIsDeterministic(t *testing.T) {
	chi := volume.New([3]int{10, 10, 10}, volume.Identity())
	for i := range chi.Data {
		chi.Data[i] = math.Sin(float64(i)*0.37) * 0.1
	}
	mask := fullMask(chi.Shape)
	mask.Voxels[5] = false

	first, err := Saturation(chi, mask, VeinPercentile)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := Saturation(chi, mask, VeinPercentile)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("run %d gave %+v, first gave %+v", i, again, first)
		}
	}
}

func TestSaturationEdgeCases(t *testing.T) {
	chi := volume.New([3]int{3, 3, 3}, volume.Identity())

	empty := &volume.Mask{Shape: chi.Shape, Voxels: make([]bool, chi.Len())}
	if _, err := Saturation(chi, empty, VeinPercentile); err == nil {
		t.Error("expected an error for an empty mask")
	}

	// A constant map has nothing above its own percentile.
	got, err := Saturation(chi, fullMask(chi.Shape), VeinPercentile)
	if err != nil {
		t.Fatal(err)
	}
	if !IsMissing(got.CSvO2) || got.VeinVoxels != 0 {
		t.Errorf("constant map: %+v", got)
	}

	if _, err := Saturation(chi, fullMask([3]int{3, 3, 4}), VeinPercentile); !errors.Is(err, qsmpipe.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func testAtlas(t *testing.T, shape [3]int, codes []float64, regions []atlas.Region) *atlas.Atlas {
	t.Helper()
	labels := volume.New(shape, volume.Identity())
	copy(labels.Data, codes)

	dict, err := atlas.NewDictionary("structures", regions)
	if err != nil {
		t.Fatal(err)
	}

	return &atlas.Atlas{Labels: labels, Dictionary: dict}
}

func TestRegionMeansMeanOfMeans(t *testing.T) {
	shape := [3]int{6, 1, 1}
	chi := volume.New(shape, volume.Identity())
	copy(chi.Data, []float64{1, 2, 3, 10, 99, 7})

	// Code 1 has three voxels (mean 2), code 2 has one (mean 10). The pooled
	// mean would be 4; the mean of means is 6.
	a := testAtlas(t, shape, []float64{1, 1, 1, 2, 2, 3}, []atlas.Region{
		{Name: "Aggregate", Codes: []int{1, 2}},
		{Name: "One", Codes: []int{1}},
		{Name: "Absent", Codes: []int{4}},
		{Name: "Partly absent", Codes: []int{3, 4}},
	})

	mask := fullMask(shape)
	mask.Voxels[4] = false // hides the 99

	got, err := RegionMeans(chi, a, mask)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]float64{"Aggregate": 6, "One": 2, "Partly absent": 7}
	for _, rm := range got {
		if rm.Name == "Absent" {
			if !IsMissing(rm.Mean) {
				t.Errorf("Absent = %g, want missing", rm.Mean)
			}
			continue
		}
		if math.Abs(rm.Mean-want[rm.Name]) > 1e-12 {
			t.Errorf("%s = %g, want %g", rm.Name, rm.Mean, want[rm.Name])
		}
	}

	// The atlas is untouched by masking.
	if a.Labels.Data[4] != 2 {
		t.Errorf("label volume was modified: %v", a.Labels.Data)
	}
}

func TestSplitVariant(t *testing.T) {
	for variant, want := range map[string][2]string{
		"resharp_rts":   {"resharp", "rts"},
		"vsharp_star":   {"vsharp", "star"},
		"pdf_tkd_ilsqr": {"pdf", "ilsqr"},
		"medi":          {"medi", "medi"},
	} {
		bg, di := SplitVariant(variant)
		if bg != want[0] || di != want[1] {
			t.Errorf("%s split into %s, %s", variant, bg, di)
		}
	}
}

func TestTableWideAndLong(t *testing.T) {
	table := NewTable([]string{"Thalamus", "CSF"})
	for _, id := range []string{"S1", "S2"} {
		for _, variant := range []string{"resharp_rts", "vsharp_star", "pdf_ilsqr"} {
			row := NewRow(id, variant)
			row.Threshold, row.CSvO2 = 0.25, 0.7
			row.Regions["Thalamus"] = 0.03
			row.Regions["CSF"] = Missing
			table.Add(row)
		}
	}

	var buf bytes.Buffer
	if err := table.WriteCSV(&buf); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1+2*3 {
		t.Fatalf("wide table has %d lines, want %d", len(lines), 7)
	}
	if lines[0] != "ID,bckgRemoval,dipoleInv,Thresh,CSvO2,Thalamus,CSF" {
		t.Errorf("header = %s", lines[0])
	}
	if lines[1] != "S1,resharp,rts,0.25,0.7,0.03," {
		t.Errorf("first row = %s", lines[1])
	}

	back, err := ReadTable(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Rows) != 6 || back.Rows[5].Variant != "pdf_ilsqr" || !IsMissing(back.Rows[5].Regions["CSF"]) {
		t.Errorf("read back %+v", back.Rows)
	}

	long := table.Long()
	if len(long) != 6*2 {
		t.Fatalf("long table has %d rows", len(long))
	}

	path := filepath.Join(t.TempDir(), "out", "metrics_long.csv")
	if err := WriteLongFile(path, long); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "ID,Background field removal,Dipole inversion,Method,Region,Value\n") {
		t.Errorf("long header: %q", strings.SplitN(string(data), "\n", 2)[0])
	}

	rows, err := ReadLong(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 12 || rows[0].Method != "resharp_rts" || rows[0].Region != "Thalamus" || float64(rows[0].Value) != 0.03 {
		t.Errorf("first long row = %+v", rows[0])
	}
	if !IsMissing(float64(rows[1].Value)) {
		t.Errorf("missing value read back as %g", float64(rows[1].Value))
	}
}

func writeVariant(t *testing.T, v layout.Variant, chi []float64, shape [3]int) {
	t.Helper()
	vol := volume.New(shape, volume.Identity())
	copy(vol.Data, chi)
	mask := fullMask(shape)

	for _, path := range []string{v.Chi(), v.RegisteredChi()} {
		if err := volume.Save(path, vol); err != nil {
			t.Fatal(err)
		}
	}
	for _, path := range []string{v.Mask(), v.RegisteredMask()} {
		if err := volume.SaveMask(path, mask, vol.Affine, vol.Header); err != nil {
			t.Fatal(err)
		}
	}
}

func TestExtractorRowsPerSubjectAndVariant(t *testing.T) {
	root := t.TempDir()
	shape := [3]int{4, 4, 2}
	chi := make([]float64, 32)
	for i := range chi {
		chi[i] = float64(i) * 0.001
	}

	subjects := []string{"S1", "S2", "S3"}
	variants := []string{"resharp_rts", "vsharp_star"}
	for _, id := range subjects {
		for _, name := range variants {
			writeVariant(t, layout.Variant{Subject: layout.Subject{Root: root, ID: id}, Name: name}, chi, shape)
		}
	}

	// A registered variant whose native inputs are gone is skipped.
	broken := layout.Variant{Subject: layout.Subject{Root: root, ID: "S3"}, Name: "pdf_ilsqr"}
	writeVariant(t, broken, chi, shape)
	if err := os.Remove(broken.Chi()); err != nil {
		t.Fatal(err)
	}

	codes := make([]float64, 32)
	for i := range codes {
		codes[i] = float64(1 + i%2)
	}
	structures := testAtlas(t, shape, codes, []atlas.Region{{Name: "Odd", Codes: []int{1}}, {Name: "Both", Codes: []int{1, 2}}})
	tissueDict, err := atlas.NewDictionary("tissues", []atlas.Region{{Name: "Even", Codes: []int{2}}})
	if err != nil {
		t.Fatal(err)
	}
	tissues := &atlas.Atlas{Labels: structures.Labels, Dictionary: tissueDict}

	e := &Extractor{Root: root, Atlases: []*atlas.Atlas{structures, tissues}}
	table, failures, err := e.Extract(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(table.Rows) != len(subjects)*len(variants) {
		t.Errorf("table has %d rows, want %d", len(table.Rows), len(subjects)*len(variants))
	}
	if len(failures) != 1 || failures[0].Variant != "pdf_ilsqr" || !errors.Is(failures[0], qsmpipe.ErrMissingInputFile) {
		t.Errorf("failures = %+v", failures)
	}
	if got := strings.Join(table.Regions, ","); got != "Odd,Both,Even" {
		t.Errorf("columns = %s", got)
	}

	row := table.Rows[0]
	if row.ID != "S1" || row.BackgroundRemoval != "resharp" || row.DipoleInversion != "rts" {
		t.Errorf("first row = %+v", row)
	}
	odd, even := row.Regions["Odd"], row.Regions["Even"]
	if math.Abs(row.Regions["Both"]-(odd+even)/2) > 1e-9 {
		t.Errorf("Both = %g, want mean of %g and %g", row.Regions["Both"], odd, even)
	}
}

func TestExtractorRejectsDuplicateRegions(t *testing.T) {
	shape := [3]int{2, 1, 1}
	a := testAtlas(t, shape, []float64{1, 1}, []atlas.Region{{Name: "Cortex", Codes: []int{1}}})
	b := testAtlas(t, shape, []float64{1, 1}, []atlas.Region{{Name: "Cortex", Codes: []int{1}}})

	_, _, err := (&Extractor{Root: t.TempDir(), Atlases: []*atlas.Atlas{a, b}}).Extract(context.Background())
	if !errors.Is(err, qsmpipe.ErrInvalidRegionDefinition) {
		t.Fatalf("expected ErrInvalidRegionDefinition, got %v", err)
	}
}
