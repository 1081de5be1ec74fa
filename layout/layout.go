// Package layout knows where each subject's inputs and outputs live:
//
//	root/<subject>/QSM_results/magMask.nii
//	root/<subject>/QSM_results/<variant>/{chi.nii, erodedMask.nii}
//	root/<subject>/Registration_results/{registered_mag.nii, transformation.map}
//	root/<subject>/Registration_results/<variant>/{registered_qsm.nii, registered_mask.nii}
package layout

import (
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/carbocation/pfx"
	"github.com/carbocation/qsmpipe"
)

const (
	InputDir  = "QSM_results"
	OutputDir = "Registration_results"

	MagnitudeFile = "magMask.nii"
	ChiFile       = "chi.nii"
	MaskFile      = "erodedMask.nii"

	RegisteredMagnitudeFile = "registered_mag.nii"
	MappingFile             = "transformation.map"
	RegisteredChiFile       = "registered_qsm.nii"
	RegisteredMaskFile      = "registered_mask.nii"
	QCFile                  = "registration_qc.png"
)

// Subject names one dataset directory under Root.
type Subject struct {
	Root string
	ID   string
}

func (s Subject) Dir() string {
	return filepath.Join(s.Root, s.ID)
}

func (s Subject) InputDir() string {
	return filepath.Join(s.Dir(), InputDir)
}

func (s Subject) OutputDir() string {
	return filepath.Join(s.Dir(), OutputDir)
}

func (s Subject) Magnitude() string {
	return filepath.Join(s.InputDir(), MagnitudeFile)
}

func (s Subject) RegisteredMagnitude() string {
	return filepath.Join(s.OutputDir(), RegisteredMagnitudeFile)
}

func (s Subject) Mapping() string {
	return filepath.Join(s.OutputDir(), MappingFile)
}

func (s Subject) QCSnapshot() string {
	return filepath.Join(s.OutputDir(), QCFile)
}

// Variant is one combination of background removal and dipole inversion
// algorithms, e.g. resharp_rts.
type Variant struct {
	Subject Subject
	Name    string
}

func (v Variant) InputDir() string {
	return filepath.Join(v.Subject.InputDir(), v.Name)
}

func (v Variant) OutputDir() string {
	return filepath.Join(v.Subject.OutputDir(), v.Name)
}

func (v Variant) Chi() string {
	return filepath.Join(v.InputDir(), ChiFile)
}

func (v Variant) Mask() string {
	return filepath.Join(v.InputDir(), MaskFile)
}

func (v Variant) RegisteredChi() string {
	return filepath.Join(v.OutputDir(), RegisteredChiFile)
}

func (v Variant) RegisteredMask() string {
	return filepath.Join(v.OutputDir(), RegisteredMaskFile)
}

// Subjects lists the directories directly under root in sorted order. Plain
// files are ignored.
func Subjects(root string) ([]Subject, error) {
	names, err := subdirectories(root)
	if err != nil {
		return nil, err
	}

	out := make([]Subject, 0, len(names))
	for _, name := range names {
		out = append(out, Subject{Root: root, ID: name})
	}

	return out, nil
}

// Variants lists the subject's algorithm variants: the subdirectories of
// QSM_results that hold a chi.nii. Anything else is reported to lg and
// skipped.
func Variants(s Subject, lg *log.Logger) ([]Variant, error) {
	return variantsIn(s, s.InputDir(), ChiFile, lg)
}

// RegisteredVariants lists the variants that have a registered_qsm.nii under
// Registration_results.
func RegisteredVariants(s Subject, lg *log.Logger) ([]Variant, error) {
	return variantsIn(s, s.OutputDir(), RegisteredChiFile, lg)
}

func variantsIn(s Subject, dir, required string, lg *log.Logger) ([]Variant, error) {
	names, err := subdirectories(dir)
	if err != nil {
		return nil, err
	}

	var out []Variant
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dir, name, required)); err != nil {
			lg.Printf("%s: skipping %s, which has no %s\n", s.ID, filepath.Join(dir, name), required)
			continue
		}
		out = append(out, Variant{Subject: s, Name: name})
	}

	return out, nil
}

func subdirectories(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, qsmpipe.MissingFile(dir)
	} else if err != nil {
		return nil, pfx.Err(err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	return names, nil
}
