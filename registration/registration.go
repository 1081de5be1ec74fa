// Package registration aligns a subject volume to a template and produces a
// SpatialMapping that can be reapplied to other volumes on the subject's grid.
//
// The pipeline is fixed: center of mass, then translation, rigid and affine
// stages optimizing mutual information over a three level pyramid, then a
// symmetric diffeomorphic warp driven by local cross-correlation.
package registration

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/carbocation/qsmpipe"
	"github.com/carbocation/qsmpipe/volume"
)

// SpatialMapping resamples volumes from a subject's grid into template space.
// Implementations must be safe to reuse for any number of volumes.
type SpatialMapping interface {
	// Resample moves v, which must be on the mapping's moving grid, onto the
	// static grid.
	Resample(v *volume.Volume) (*volume.Volume, error)
	MarshalBinary() ([]byte, error)
}

// Registrar computes the mapping that brings moving into the space of static,
// returning moving already resampled with it.
type Registrar interface {
	Register(ctx context.Context, static, moving *volume.Volume) (*volume.Volume, SpatialMapping, error)
}

// Stage names, as reported in a qsmpipe.StageError.
const (
	StageCenterOfMass  = "center of mass"
	StageTranslation   = "translation"
	StageRigid         = "rigid"
	StageAffine        = "affine"
	StageDiffeomorphic = "diffeomorphic"
)

// Params holds the optimization schedule. The zero value is not useful; start
// from DefaultParams.
type Params struct {
	// Bins is the number of intensity bins per image in the joint histogram.
	Bins int

	// Linear stages: one entry per pyramid level, coarse to fine.
	LevelIters   []int
	Sigmas       []float64
	Factors      []int
	SimplexSize  float64
	ConvergeIter int

	// Diffeomorphic stage.
	SynIters    []int
	SynFactors  []int
	CCRadius    int
	SmoothSigma float64
	StepLength  float64
}

// DefaultParams returns the default stage schedule and stage settings.
func DefaultParams() Params {
	return Params{
		Bins:         32,
		LevelIters:   []int{10000, 1000, 100},
		Sigmas:       []float64{3, 1, 0},
		Factors:      []int{4, 2, 1},
		SimplexSize:  1,
		ConvergeIter: 50,

		SynIters:    []int{10, 10, 5},
		SynFactors:  []int{4, 2, 1},
		CCRadius:    4,
		SmoothSigma: 5,
		StepLength:  0.25,
	}
}

// Validate checks that the per-level slices line up.
func (p Params) Validate() error {
	if p.Bins < 2 {
		return fmt.Errorf("registration needs at least 2 histogram bins, got %d", p.Bins)
	}
	if len(p.LevelIters) == 0 || len(p.LevelIters) != len(p.Sigmas) || len(p.LevelIters) != len(p.Factors) {
		return fmt.Errorf("registration schedule has %d iteration budgets, %d sigmas and %d factors; they must match", len(p.LevelIters), len(p.Sigmas), len(p.Factors))
	}
	if len(p.SynIters) != len(p.SynFactors) {
		return fmt.Errorf("diffeomorphic schedule has %d iteration budgets and %d factors; they must match", len(p.SynIters), len(p.SynFactors))
	}
	for _, f := range append(append([]int(nil), p.Factors...), p.SynFactors...) {
		if f < 1 {
			return fmt.Errorf("downsampling factor %d is below 1", f)
		}
	}
	if p.StepLength <= 0 {
		return fmt.Errorf("step length must be positive, got %g", p.StepLength)
	}

	return nil
}

// Engine is the default Registrar.
type Engine struct {
	Params Params
}

// NewEngine returns an Engine with DefaultParams.
func NewEngine() *Engine {
	return &Engine{Params: DefaultParams()}
}

// Register runs every stage in order, each seeded by the one before. Failures
// are reported as a *qsmpipe.StageError, which matches
// qsmpipe.ErrRegistrationFailed; the caller fills in the subject.
func (e *Engine) Register(ctx context.Context, static, moving *volume.Volume) (*volume.Volume, SpatialMapping, error) {
	lg := Logger(ctx)
	started := time.Now()

	if err := e.Params.Validate(); err != nil {
		return nil, nil, err
	}

	prealign, err := centerOfMassAlignment(static, moving)
	if err != nil {
		return nil, nil, fail(StageCenterOfMass, err)
	}

	fixed := newPyramid(static, e.Params.Factors, e.Params.Sigmas)
	float := newPyramid(moving, e.Params.Factors, e.Params.Sigmas)

	for _, stage := range []linearStage{translationStage, rigidStage, affineStage} {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		lg.Printf("%s registration\n", stage.name)
		prealign, err = e.optimizeLinear(lg, stage, fixed, float, prealign)
		if err != nil {
			return nil, nil, fail(stage.name, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	lg.Printf("%s registration\n", StageDiffeomorphic)
	mapping, err := e.optimizeDiffeomorphic(ctx, lg, static, moving, prealign)
	if err != nil {
		return nil, nil, fail(StageDiffeomorphic, err)
	}

	warped, err := mapping.Resample(moving)
	if err != nil {
		return nil, nil, fail(StageDiffeomorphic, err)
	}

	lg.Printf("Registration completed in %.1fs\n", time.Since(started).Seconds())

	return warped, mapping, nil
}

func fail(stage string, err error) error {
	return &qsmpipe.StageError{Stage: stage, Err: err}
}

type loggerKey struct{}

// WithLogger attaches lg to ctx; the engine reports its progress there.
func WithLogger(ctx context.Context, lg *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, lg)
}

// Logger returns the logger attached with WithLogger. Without one, progress is
// discarded.
func Logger(ctx context.Context) *log.Logger {
	if lg, ok := ctx.Value(loggerKey{}).(*log.Logger); ok && lg != nil {
		return lg
	}

	return log.New(io.Discard, "", 0)
}
