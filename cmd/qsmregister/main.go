package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/carbocation/qsmpipe"
	"github.com/carbocation/qsmpipe/batch"
	_ "github.com/carbocation/qsmpipe/compileinfoprint"
	"github.com/carbocation/qsmpipe/config"
	"github.com/carbocation/qsmpipe/registration"
	"github.com/carbocation/qsmpipe/volume"
)

func main() {
	// Registers every subject's magnitude image under -root to the template,
	// saves the mapping, and transforms every QSM variant into template space.

	var configPath, root, template, qcLabels, tmpPath string
	var workers int
	var makeQC bool

	flag.StringVar(&configPath, "config", "", "Optional YAML configuration file. Flags override its values.")
	flag.StringVar(&root, "root", "", "Data directory holding one folder per subject.")
	flag.StringVar(&template, "template", "", "Template (static) image. May be a gs:// path.")
	flag.IntVar(&workers, "workers", 0, "Number of subjects to register at once. 0 uses the config (default: all cores).")
	flag.BoolVar(&makeQC, "qc", false, "Write a registration_qc.png snapshot for every subject?")
	flag.StringVar(&qcLabels, "qc-labels", "", "Optional label volume on the template grid, painted over the QC snapshot. May be a gs:// path.")
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
		case "workers":
			cfg.Batch.Workers = workers
		case "qc":
			cfg.QC.Enabled = makeQC
		case "qc-labels":
			cfg.QC.Labels = qcLabels
		}
	})

	if root == "" || cfg.Batch.Template == "" {
		flag.PrintDefaults()
		log.Fatalln("Please provide -root and a template (-template or batch.template in -config)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	started := time.Now()
	log.Println("Starting registration of subjects in", root)

	client, err := qsmpipe.NewClientIfNeeded(ctx, cfg.Batch.Template, cfg.QC.Labels)
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
	log.Printf("Template %s has shape %v\n", cfg.Batch.Template, static.Shape)

	qcOptions := cfg.QCOptions()
	if cfg.QC.Enabled && cfg.QC.Labels != "" {
		labelPath, err := qsmpipe.Localize(ctx, cfg.QC.Labels, tmpPath, client)
		if err != nil {
			log.Fatalln(err)
		}
		if qcOptions.Labels, err = volume.Load(labelPath); err != nil {
			log.Fatalln(err)
		}
	}

	runner := &batch.Runner{
		Registrar: &registration.Engine{Params: cfg.Params()},
		Static:    static,
		Workers:   cfg.Batch.Workers,
		QC:        cfg.QC.Enabled,
		QCOptions: qcOptions,
		Logger:    log.New(os.Stderr, "", 0),
	}

	summary, err := runner.RegisterAll(ctx, root)
	logSummary("Registered", summary, started)
	if err != nil {
		log.Fatalln(err)
	}
}

func logSummary(verb string, summary batch.Summary, started time.Time) {
	log.Printf("%s %d subjects (%d variants) in %.1fs\n", verb, summary.Subjects, summary.Variants, time.Since(started).Seconds())

	if len(summary.Failures) == 0 {
		return
	}

	log.Printf("%d subjects or variants were skipped:\n", len(summary.Failures))
	for _, f := range summary.Failures {
		log.Println("  ", f.Error())
	}
}
