package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/carbocation/qsmpipe"
	"github.com/carbocation/qsmpipe/atlas"
	_ "github.com/carbocation/qsmpipe/compileinfoprint"
	"github.com/carbocation/qsmpipe/config"
	"github.com/carbocation/qsmpipe/metrics"
	"github.com/carbocation/qsmpipe/report"
)

func main() {
	// Computes CSvO2 and per-region mean susceptibility for every registered
	// QSM variant under -root, and writes the wide and long metrics tables.

	var configPath, root, labels, dictionaries, outDir, tmpPath string
	var percentile float64
	var chart bool

	flag.StringVar(&configPath, "config", "", "Optional YAML configuration file. Flags override its values.")
	flag.StringVar(&root, "root", "", "Data directory holding one folder per subject.")
	flag.StringVar(&labels, "labels", "", "Comma-separated label volumes on the template grid, in column order (e.g., structures then tissues). May be gs:// paths.")
	flag.StringVar(&dictionaries, "dictionaries", "", "Comma-separated region dictionaries (.yaml, or name,code delimited files), one per -labels entry. May be gs:// paths.")
	flag.Float64Var(&percentile, "percentile", 0, "Percentile above which voxels count as veins. 0 uses the config (default: 99.95).")
	flag.StringVar(&outDir, "out", "", "Directory for metrics.csv and metrics_long.csv. Defaults to -root.")
	flag.BoolVar(&chart, "chart", false, "Also write csvo2.png, a bar chart of mean CSvO2 per method?")
	flag.StringVar(&tmpPath, "tmp", os.TempDir(), "Directory where gs:// inputs are downloaded.")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalln(err)
	}

	var atlasFlags []config.AtlasConfig
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "percentile":
			cfg.Metrics.Percentile = percentile
		case "labels", "dictionaries":
			if atlasFlags == nil {
				atlasFlags, err = pairAtlases(labels, dictionaries)
			}
		}
	})
	if err != nil {
		log.Fatalln(err)
	}
	if atlasFlags != nil {
		cfg.Metrics.Atlases = atlasFlags
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalln(err)
	}

	if root == "" || len(cfg.Metrics.Atlases) == 0 {
		flag.PrintDefaults()
		log.Fatalln("Please provide -root and at least one atlas (-labels with -dictionaries, or metrics.atlases in -config)")
	}
	if outDir == "" {
		outDir = root
	}

	ctx := context.Background()
	started := time.Now()

	var paths []string
	for _, a := range cfg.Metrics.Atlases {
		paths = append(paths, a.Labels, a.Dictionary)
	}
	client, err := qsmpipe.NewClientIfNeeded(ctx, paths...)
	if err != nil {
		log.Fatalln(err)
	}

	var atlases []*atlas.Atlas
	for _, a := range cfg.Metrics.Atlases {
		labelPath, err := qsmpipe.Localize(ctx, a.Labels, tmpPath, client)
		if err != nil {
			log.Fatalln(err)
		}
		dictionaryPath, err := qsmpipe.Localize(ctx, a.Dictionary, tmpPath, client)
		if err != nil {
			log.Fatalln(err)
		}

		loaded, err := atlas.Load(labelPath, dictionaryPath)
		if err != nil {
			log.Fatalln(err)
		}
		log.Printf("Atlas %s: %d regions\n", a.Dictionary, loaded.Dictionary.Len())
		atlases = append(atlases, loaded)
	}

	extractor := &metrics.Extractor{
		Root:       root,
		Atlases:    atlases,
		Percentile: cfg.Metrics.Percentile,
		Logger:     log.New(os.Stderr, "", 0),
	}

	// Duplicate region names are a configuration error, caught before any
	// subject is read.
	if _, err := extractor.Columns(); err != nil {
		log.Fatalln(err)
	}

	table, failures, err := extractor.Extract(ctx)
	if err != nil {
		log.Fatalln(err)
	}

	widePath := filepath.Join(outDir, "metrics.csv")
	if err := table.WriteCSVFile(widePath); err != nil {
		log.Fatalln(err)
	}
	longPath := filepath.Join(outDir, "metrics_long.csv")
	if err := metrics.WriteLongFile(longPath, table.Long()); err != nil {
		log.Fatalln(err)
	}

	if chart {
		if err := report.SaveSaturationChart(filepath.Join(outDir, "csvo2.png"), table, 800, 500); err != nil {
			log.Println("Could not draw the CSvO2 chart:", err)
		}
	}

	log.Printf("Wrote %d rows to %s and %s in %.1fs\n", len(table.Rows), widePath, longPath, time.Since(started).Seconds())
	for _, f := range failures {
		log.Println("  skipped:", f.Error())
	}
}

func pairAtlases(labels, dictionaries string) ([]config.AtlasConfig, error) {
	l := splitList(labels)
	d := splitList(dictionaries)
	if len(l) != len(d) {
		return nil, fmt.Errorf("got %d label volumes but %d dictionaries", len(l), len(d))
	}

	out := make([]config.AtlasConfig, 0, len(l))
	for i := range l {
		out = append(out, config.AtlasConfig{Labels: l[i], Dictionary: d[i]})
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, field := range strings.Split(s, ",") {
		if field = strings.TrimSpace(field); field != "" {
			out = append(out, field)
		}
	}
	return out
}
