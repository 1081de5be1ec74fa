// Package batch drives registration and transform application over a whole
// data directory, one subject per worker.
package batch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"runtime"
	"sync"

	"github.com/carbocation/qsmpipe"
	"github.com/carbocation/qsmpipe/layout"
	"github.com/carbocation/qsmpipe/qc"
	"github.com/carbocation/qsmpipe/registration"
	"github.com/carbocation/qsmpipe/transform"
	"github.com/carbocation/qsmpipe/volume"
)

// Runner holds what every subject shares: the template and the registration
// backend.
type Runner struct {
	Registrar registration.Registrar

	// Static is the template. Its affine and header go on every output.
	Static *volume.Volume

	// Workers is the number of subjects processed at once; below 1 means
	// runtime.NumCPU().
	Workers int

	// QC writes a snapshot next to each registered magnitude image.
	QC        bool
	QCOptions qc.Options

	// Logger receives each subject's log, whole and in subject order.
	Logger *log.Logger
}

// Summary counts what a batch run did. Failures holds every subject or
// variant that was skipped.
type Summary struct {
	Subjects int
	Variants int
	Failures []qsmpipe.Failure
}

func (s *Summary) add(o *outcome) {
	s.Subjects++
	s.Variants += o.variants
	s.Failures = append(s.Failures, o.failures...)
}

type outcome struct {
	log      bytes.Buffer
	variants int
	failures []qsmpipe.Failure
}

type subjectFunc func(ctx context.Context, s layout.Subject, lg *log.Logger) (variants int, failures []qsmpipe.Failure, err error)

// RegisterAll registers every subject under root to the template, saves the
// mapping and registered magnitude image, then transforms each variant.
func (r *Runner) RegisterAll(ctx context.Context, root string) (Summary, error) {
	return r.forEachSubject(ctx, root, r.RegisterSubject)
}

// ReapplyAll skips registration: it loads each subject's saved mapping and
// transforms the variants again, for example after new variants were added.
func (r *Runner) ReapplyAll(ctx context.Context, root string) (Summary, error) {
	return r.forEachSubject(ctx, root, r.ReapplySubject)
}

// forEachSubject runs fn for every subject, at most Workers at a time. Each
// subject logs into its own buffer; buffers are written to Logger in subject
// order as soon as every earlier subject is done, so the run log does not
// depend on the number of workers.
func (r *Runner) forEachSubject(ctx context.Context, root string, fn subjectFunc) (Summary, error) {
	var summary Summary

	subjects, err := layout.Subjects(root)
	if err != nil {
		return summary, err
	}

	workers := r.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	outcomes := make([]*outcome, len(subjects))
	done := make([]chan struct{}, len(subjects))
	sem := make(chan bool, workers)

	var wg sync.WaitGroup
	for i, subject := range subjects {
		done[i] = make(chan struct{})
		wg.Add(1)

		go func(i int, subject layout.Subject) {
			defer wg.Done()
			defer close(done[i])

			sem <- true
			defer func() { <-sem }()

			o := &outcome{}
			outcomes[i] = o
			lg := log.New(&o.log, "", 0)

			if err := ctx.Err(); err != nil {
				o.failures = append(o.failures, qsmpipe.Failure{Subject: subject.ID, Err: err})
				return
			}

			lg.Printf("\n%s\n", subject.ID)
			variants, failures, err := fn(ctx, subject, lg)
			o.variants = variants
			o.failures = failures
			if err != nil {
				lg.Printf("%s: skipping subject: %v\n", subject.ID, err)
				o.failures = append(o.failures, qsmpipe.Failure{Subject: subject.ID, Err: err})
			}
		}(i, subject)
	}

	out := r.logWriter()
	for i := range subjects {
		<-done[i]
		out.Write(outcomes[i].log.Bytes())
		summary.add(outcomes[i])
	}
	wg.Wait()

	return summary, ctx.Err()
}

func (r *Runner) logWriter() io.Writer {
	if r.Logger == nil {
		return io.Discard
	}
	return r.Logger.Writer()
}

// RegisterSubject registers one subject and transforms its variants.
func (r *Runner) RegisterSubject(ctx context.Context, s layout.Subject, lg *log.Logger) (int, []qsmpipe.Failure, error) {
	moving, err := volume.Load(s.Magnitude())
	if err != nil {
		return 0, nil, err
	}

	lg.Println("Registration:")
	warped, mapping, err := r.Registrar.Register(registration.WithLogger(ctx, lg), r.Static, moving)
	if err != nil {
		var stageErr *qsmpipe.StageError
		if errors.As(err, &stageErr) && stageErr.Subject == "" {
			stageErr.Subject = s.ID
		}
		return 0, nil, err
	}

	if err := volume.Save(s.RegisteredMagnitude(), r.withTemplateGrid(warped)); err != nil {
		return 0, nil, err
	}
	if err := registration.SaveMapping(s.Mapping(), mapping); err != nil {
		return 0, nil, err
	}

	if r.QC {
		if err := qc.SaveSnapshot(s.QCSnapshot(), r.Static, warped, r.QCOptions); err != nil {
			// A missing snapshot does not invalidate the registration.
			lg.Printf("%s: could not write QC snapshot: %v\n", s.ID, err)
		}
	}

	return r.TransformVariants(s, mapping, lg)
}

// ReapplySubject transforms one subject's variants with its saved mapping.
func (r *Runner) ReapplySubject(ctx context.Context, s layout.Subject, lg *log.Logger) (int, []qsmpipe.Failure, error) {
	mapping, err := registration.LoadMapping(s.Mapping())
	if err != nil {
		return 0, nil, err
	}

	return r.TransformVariants(s, mapping, lg)
}

// TransformVariants resamples every variant's susceptibility map and eroded
// mask into template space. A variant that fails is logged and skipped.
func (r *Runner) TransformVariants(s layout.Subject, mapping registration.SpatialMapping, lg *log.Logger) (int, []qsmpipe.Failure, error) {
	variants, err := layout.Variants(s, lg)
	if err != nil {
		return 0, nil, err
	}

	lg.Println("Transforming QSM results")

	var failures []qsmpipe.Failure
	done := 0
	for _, v := range variants {
		pieces, err := r.transformVariant(v, mapping)
		if err != nil {
			lg.Printf("%s/%s: skipping variant: %v\n", s.ID, v.Name, err)
			failures = append(failures, qsmpipe.Failure{Subject: s.ID, Variant: v.Name, Err: err})
			continue
		}
		if pieces > 1 {
			lg.Printf("  %s (registered mask is in %d pieces)\n", v.Name, pieces)
		} else {
			lg.Printf("  %s\n", v.Name)
		}
		done++
	}

	return done, failures, nil
}

// transformVariant writes the variant's registered map and mask, and returns
// the number of connected pieces of the registered mask.
func (r *Runner) transformVariant(v layout.Variant, mapping registration.SpatialMapping) (int, error) {
	chi, err := volume.Load(v.Chi())
	if err != nil {
		return 0, err
	}
	mask, err := volume.Load(v.Mask())
	if err != nil {
		return 0, err
	}

	registeredChi, err := transform.Volume(mapping, chi)
	if err != nil {
		return 0, err
	}
	registeredMask, _, err := transform.Mask(mapping, mask)
	if err != nil {
		return 0, err
	}

	registeredChi = r.withTemplateGrid(registeredChi)
	if err := volume.Save(v.RegisteredChi(), registeredChi); err != nil {
		return 0, err
	}
	if err := volume.SaveMask(v.RegisteredMask(), registeredMask, registeredChi.Affine, registeredChi.Header); err != nil {
		return 0, err
	}

	return qc.Components(registeredMask), nil
}

// withTemplateGrid stamps the template's affine and header on v, which is
// already on the template grid.
func (r *Runner) withTemplateGrid(v *volume.Volume) *volume.Volume {
	if r.Static == nil || r.Static.Shape != v.Shape {
		return v
	}

	out := v.WithData(v.Data)
	out.Affine = r.Static.Affine
	out.Header = r.Static.Header
	return out
}
