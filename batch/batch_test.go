package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"testing"

	"github.com/carbocation/qsmpipe"
	"github.com/carbocation/qsmpipe/layout"
	"github.com/carbocation/qsmpipe/registration"
	"github.com/carbocation/qsmpipe/volume"
)

// shiftRegistrar stands in for the optimizer: it maps every subject with a
// fixed half-voxel shift.
type shiftRegistrar struct{}

func (shiftRegistrar) Register(ctx context.Context, static, moving *volume.Volume) (*volume.Volume, registration.SpatialMapping, error) {
	registration.Logger(ctx).Println("  shift registration")

	m := &registration.DiffeomorphicMap{
		StaticShape:  static.Shape,
		StaticAffine: static.Affine,
		StaticHeader: static.Header,
		MovingShape:  moving.Shape,
		MovingAffine: moving.Affine,
		Prealign:     volume.Translation([3]float64{0.5, 0, 0}),
	}
	warped, err := m.Resample(moving)
	if err != nil {
		return nil, nil, err
	}

	return warped, m, nil
}

type failingRegistrar struct{}

func (failingRegistrar) Register(ctx context.Context, static, moving *volume.Volume) (*volume.Volume, registration.SpatialMapping, error) {
	return nil, nil, &qsmpipe.StageError{Stage: registration.StageAffine, Err: errors.New("did not converge")}
}

var shape = [3]int{6, 5, 4}

func ramp(scale float64) *volume.Volume {
	v := volume.New(shape, volume.Diagonal(1.5, 1.5, 2))
	for i := range v.Data {
		v.Data[i] = scale * float64(i%17)
	}
	return v
}

// makeTree lays out subjects S1..Sn with two variants each. The last subject
// has no magnitude image.
func makeTree(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()

	for i := 1; i <= n; i++ {
		s := layout.Subject{Root: root, ID: fmt.Sprintf("S%d", i)}
		if i < n {
			if err := volume.Save(s.Magnitude(), ramp(10)); err != nil {
				t.Fatal(err)
			}
		}

		for _, name := range []string{"resharp_rts", "vsharp_star"} {
			v := layout.Variant{Subject: s, Name: name}
			if err := volume.Save(v.Chi(), ramp(0.01)); err != nil {
				t.Fatal(err)
			}
			mask := volume.MaskFromVolume(ramp(1))
			if err := volume.SaveMask(v.Mask(), mask, ramp(1).Affine, volume.DefaultHeader()); err != nil {
				t.Fatal(err)
			}
		}
	}

	return root
}

func newRunner(workers int, out *bytes.Buffer) *Runner {
	template := ramp(10)
	template.Affine = volume.Translation([3]float64{-4, -3, -3}).Mul(volume.Diagonal(1.5, 1.5, 2))

	return &Runner{
		Registrar: shiftRegistrar{},
		Static:    template,
		Workers:   workers,
		Logger:    log.New(out, "", 0),
	}
}

func TestRegisterAllWritesOutputs(t *testing.T) {
	root := makeTree(t, 3)

	var out bytes.Buffer
	summary, err := newRunner(2, &out).RegisterAll(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	if summary.Subjects != 3 || summary.Variants != 4 {
		t.Errorf("summary = %+v", summary)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].Subject != "S3" || !errors.Is(summary.Failures[0], qsmpipe.ErrMissingInputFile) {
		t.Errorf("failures = %+v", summary.Failures)
	}

	s := layout.Subject{Root: root, ID: "S1"}
	for _, path := range []string{s.RegisteredMagnitude(), s.Mapping()} {
		if _, err := os.Stat(path); err != nil {
			t.Error(err)
		}
	}

	v := layout.Variant{Subject: s, Name: "vsharp_star"}
	chi, err := volume.Load(v.RegisteredChi())
	if err != nil {
		t.Fatal(err)
	}
	if !chi.Affine.ApproxEqual(newRunner(1, &out).Static.Affine, 1e-6) {
		t.Errorf("registered map does not carry the template affine: %v", chi.Affine)
	}

	mask, _, err := volume.LoadMask(v.RegisteredMask())
	if err != nil {
		t.Fatal(err)
	}
	if mask.Count() == 0 {
		t.Error("registered mask is empty")
	}
}

func TestLogDoesNotDependOnWorkers(t *testing.T) {
	root := makeTree(t, 5)

	var serial, parallel bytes.Buffer
	if _, err := newRunner(1, &serial).RegisterAll(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if _, err := newRunner(4, &parallel).RegisterAll(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	if serial.String() != parallel.String() {
		t.Errorf("logs differ:\n--- 1 worker\n%s\n--- 4 workers\n%s", serial.String(), parallel.String())
	}
	if !bytes.Contains(serial.Bytes(), []byte("shift registration")) {
		t.Error("registrar log lines are missing from the run log")
	}
}

func TestReapplyIsIdempotent(t *testing.T) {
	root := makeTree(t, 2)

	var out bytes.Buffer
	r := newRunner(2, &out)
	if _, err := r.RegisterAll(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	v := layout.Variant{Subject: layout.Subject{Root: root, ID: "S1"}, Name: "resharp_rts"}
	read := func() ([]byte, []byte) {
		chi, err := os.ReadFile(v.RegisteredChi())
		if err != nil {
			t.Fatal(err)
		}
		mask, err := os.ReadFile(v.RegisteredMask())
		if err != nil {
			t.Fatal(err)
		}
		return chi, mask
	}
	firstChi, firstMask := read()

	for i := 0; i < 2; i++ {
		summary, err := r.ReapplyAll(context.Background(), root)
		if err != nil {
			t.Fatal(err)
		}
		if summary.Variants != 2 {
			t.Errorf("reapply transformed %d variants", summary.Variants)
		}

		chi, mask := read()
		if !bytes.Equal(chi, firstChi) || !bytes.Equal(mask, firstMask) {
			t.Fatalf("reapply %d changed the outputs", i+1)
		}
	}
}

func TestBrokenVariantIsSkipped(t *testing.T) {
	root := makeTree(t, 2)

	broken := layout.Variant{Subject: layout.Subject{Root: root, ID: "S1"}, Name: "vsharp_star"}
	if err := os.Remove(broken.Mask()); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	summary, err := newRunner(1, &out).RegisterAll(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	var variantFailure *qsmpipe.Failure
	for i, f := range summary.Failures {
		if f.Variant != "" {
			variantFailure = &summary.Failures[i]
		}
	}
	if variantFailure == nil || variantFailure.Variant != "vsharp_star" {
		t.Fatalf("failures = %+v", summary.Failures)
	}
	if summary.Variants != 1 {
		t.Errorf("variants = %d, want 1", summary.Variants)
	}
}

func TestStageErrorNamesSubject(t *testing.T) {
	root := makeTree(t, 2)

	var out bytes.Buffer
	r := newRunner(1, &out)
	r.Registrar = failingRegistrar{}

	summary, err := r.RegisterAll(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	var stageErr *qsmpipe.StageError
	if len(summary.Failures) == 0 || !errors.As(summary.Failures[0], &stageErr) {
		t.Fatalf("failures = %+v", summary.Failures)
	}
	if stageErr.Subject != "S1" || stageErr.Stage != registration.StageAffine {
		t.Errorf("stage error = %+v", stageErr)
	}
	if !errors.Is(summary.Failures[0], qsmpipe.ErrRegistrationFailed) {
		t.Error("stage error does not match ErrRegistrationFailed")
	}
}

func TestCancelledRun(t *testing.T) {
	root := makeTree(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	summary, err := newRunner(2, &out).RegisterAll(ctx, root)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.Variants != 0 {
		t.Errorf("cancelled run transformed %d variants", summary.Variants)
	}
}
