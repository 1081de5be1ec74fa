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
	"github.com/carbocation/qsmpipe/volume"
)

func main() {
	// Re-applies each subject's saved transformation.map to its QSM variants,
	// for example after new reconstructions were added. Nothing is optimized.

	var configPath, root, template, tmpPath string
	var workers int

	flag.StringVar(&configPath, "config", "", "Optional YAML configuration file. Flags override its values.")
	flag.StringVar(&root, "root", "", "Data directory holding one folder per subject.")
	flag.StringVar(&template, "template", "", "Optional template image whose header is stamped on the outputs. Without it, the header saved in each mapping is used. May be a gs:// path.")
	flag.IntVar(&workers, "workers", 0, "Number of subjects to process at once. 0 uses the config (default: all cores).")
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
		}
	})

	if root == "" {
		flag.PrintDefaults()
		log.Fatalln("Please provide -root")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	started := time.Now()
	log.Println("Re-applying saved transformations to subjects in", root)

	runner := &batch.Runner{
		Workers: cfg.Batch.Workers,
		Logger:  log.New(os.Stderr, "", 0),
	}

	if cfg.Batch.Template != "" {
		client, err := qsmpipe.NewClientIfNeeded(ctx, cfg.Batch.Template)
		if err != nil {
			log.Fatalln(err)
		}
		templatePath, err := qsmpipe.Localize(ctx, cfg.Batch.Template, tmpPath, client)
		if err != nil {
			log.Fatalln(err)
		}
		if runner.Static, err = volume.Load(templatePath); err != nil {
			log.Fatalln(err)
		}
	}

	summary, err := runner.ReapplyAll(ctx, root)
	log.Printf("Transformed %d subjects (%d variants) in %.1fs\n", summary.Subjects, summary.Variants, time.Since(started).Seconds())
	for _, f := range summary.Failures {
		log.Println("  skipped:", f.Error())
	}
	if err != nil {
		log.Fatalln(err)
	}
}
