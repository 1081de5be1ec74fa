package layout

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/carbocation/qsmpipe"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestSubjectsAreSortedDirectories(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"HIE_002", "HIE_001", "HIE_010"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}
	touch(t, filepath.Join(root, "README.md"))

	subjects, err := Subjects(root)
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, s := range subjects {
		ids = append(ids, s.ID)
	}
	if got := strings.Join(ids, ","); got != "HIE_001,HIE_002,HIE_010" {
		t.Errorf("subjects = %s", got)
	}
}

func TestVariantsSkipNonVariantEntries(t *testing.T) {
	root := t.TempDir()
	s := Subject{Root: root, ID: "HIE_001"}

	touch(t, s.Magnitude())
	touch(t, Variant{Subject: s, Name: "resharp_rts"}.Chi())
	touch(t, Variant{Subject: s, Name: "vsharp_star"}.Chi())
	touch(t, filepath.Join(s.InputDir(), "logs", "run.txt"))

	var buf bytes.Buffer
	variants, err := Variants(s, log.New(&buf, "", 0))
	if err != nil {
		t.Fatal(err)
	}

	if len(variants) != 2 || variants[0].Name != "resharp_rts" || variants[1].Name != "vsharp_star" {
		t.Fatalf("variants = %+v", variants)
	}
	if !strings.Contains(buf.String(), "logs") {
		t.Errorf("expected the skipped directory to be logged, got %q", buf.String())
	}
}

func TestVariantPaths(t *testing.T) {
	v := Variant{Subject: Subject{Root: "/data", ID: "S1"}, Name: "pdf_ilsqr"}

	for got, want := range map[string]string{
		v.Chi():                         "/data/S1/QSM_results/pdf_ilsqr/chi.nii",
		v.Mask():                        "/data/S1/QSM_results/pdf_ilsqr/erodedMask.nii",
		v.RegisteredChi():               "/data/S1/Registration_results/pdf_ilsqr/registered_qsm.nii",
		v.RegisteredMask():              "/data/S1/Registration_results/pdf_ilsqr/registered_mask.nii",
		v.Subject.Mapping():             "/data/S1/Registration_results/transformation.map",
		v.Subject.RegisteredMagnitude(): "/data/S1/Registration_results/registered_mag.nii",
	} {
		if got != filepath.FromSlash(want) {
			t.Errorf("got %s, want %s", got, want)
		}
	}
}

func TestMissingRoot(t *testing.T) {
	_, err := Subjects(filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, qsmpipe.ErrMissingInputFile) {
		t.Fatalf("expected ErrMissingInputFile, got %v", err)
	}
}
