package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/carbocation/qsmpipe"
	"github.com/carbocation/qsmpipe/batch"
	_ "github.com/carbocation/qsmpipe/compileinfoprint"
	"github.com/carbocation/qsmpipe/config"
	"github.com/carbocation/qsmpipe/layout"
	"github.com/carbocation/qsmpipe/qc"
	"github.com/carbocation/qsmpipe/registration"
	"github.com/carbocation/qsmpipe/volume"
)

func main() {
	// Registers a single image to the template. With -subject, the image is
	// the subject's magnitude and its QSM variants are transformed too; with
	// -moving, any image is registered and the results go to -out.

	var configPath, template, subjectDir, moving, outDir, tmpPath string
	var makeQC bool

	flag.StringVar(&configPath, "config", "", "Optional YAML configuration file. Flags override its values.")
	flag.StringVar(&template, "template", "", "Template (static) image. May be a gs:// path.")
	flag.StringVar(&subjectDir, "subject", "", "A subject folder (containing QSM_results). Registers its magnitude and transforms its variants.")
	flag.StringVar(&moving, "moving", "", "Image to register, if not using -subject. May be a gs:// path.")
	flag.StringVar(&outDir, "out", "", "With -moving: directory for the registered image and transformation.map.")
	flag.BoolVar(&makeQC, "qc", false, "Write a registration_qc.png snapshot?")
	flag.StringVar(&tmpPath, "tmp", os.TempDir(), "Directory where gs:// inputs are downloaded.")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalln(err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "template":
			cfg.Batch.Template = template
		case "qc":
			cfg.QC.Enabled = makeQC
		}
	})

	if cfg.Batch.Template == "" || (subjectDir == "") == (moving == "") || (moving != "" && outDir == "") {
		flag.PrintDefaults()
		log.Fatalln("Please provide a template and either -subject, or -moving with -out")
	}

	ctx := context.Background()
	started := time.Now()

	client, err := qsmpipe.NewClientIfNeeded(ctx, cfg.Batch.Template, moving)
	if err != nil {
		log.Fatalln(err)
	}
	templatePath, err := qsmpipe.Localize(ctx, cfg.Batch.Template, tmpPath, client)
	if err != nil {
		log.Fatalln(err)
	}
	static, err := volume.Load(templatePath)
	if err != nil {
		log.Fatalln(err)
	}

	engine := &registration.Engine{Params: cfg.Params()}
	lg := log.New(os.Stderr, "", log.LstdFlags)

	if subjectDir != "" {
		subjectDir = filepath.Clean(qsmpipe.ExpandHome(subjectDir))
		subject := layout.Subject{Root: filepath.Dir(subjectDir), ID: filepath.Base(subjectDir)}

		runner := &batch.Runner{Registrar: engine, Static: static, QC: cfg.QC.Enabled, QCOptions: cfg.QCOptions()}
		variants, failures, err := runner.RegisterSubject(ctx, subject, lg)
		if err != nil {
			log.Fatalln(err)
		}
		for _, f := range failures {
			log.Println("Skipped:", f.Error())
		}
		log.Printf("Registered %s and transformed %d variants in %.1fs\n", subject.ID, variants, time.Since(started).Seconds())
		return
	}

	movingPath, err := qsmpipe.Localize(ctx, moving, tmpPath, client)
	if err != nil {
		log.Fatalln(err)
	}
	movingVolume, err := volume.Load(movingPath)
	if err != nil {
		log.Fatalln(err)
	}

	warped, mapping, err := engine.Register(registration.WithLogger(ctx, lg), static, movingVolume)
	if err != nil {
		log.Fatalln(err)
	}

	if err := volume.Save(filepath.Join(outDir, layout.RegisteredMagnitudeFile), warped); err != nil {
		log.Fatalln(err)
	}
	if err := registration.SaveMapping(filepath.Join(outDir, layout.MappingFile), mapping); err != nil {
		log.Fatalln(err)
	}
	if cfg.QC.Enabled {
		if err := qc.SaveSnapshot(filepath.Join(outDir, layout.QCFile), static, warped, cfg.QCOptions()); err != nil {
			log.Fatalln(err)
		}
	}

	log.Printf("Registered %s in %.1fs; outputs are in %s\n", moving, time.Since(started).Seconds(), outDir)
}
