package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/carbocation/qsmpipe"
	_ "github.com/carbocation/qsmpipe/compileinfoprint"
	"github.com/carbocation/qsmpipe/config"
	"github.com/carbocation/qsmpipe/metrics"
	"github.com/carbocation/qsmpipe/report"
)

func main() {
	// Draws one panel per region comparing methods, from metrics_long.csv.

	var configPath, input, output, kind, ylim, tmpPath string
	var width, height int

	flag.StringVar(&configPath, "config", "", "Optional YAML configuration file. Flags override its values.")
	flag.StringVar(&input, "in", "", "Long metrics table written by qsmmetrics (metrics_long.csv). May be compressed or a gs:// path.")
	flag.StringVar(&output, "out", "metrics.png", "Output PNG.")
	flag.StringVar(&kind, "kind", "", "box or violin. Default from config (box).")
	flag.StringVar(&ylim, "ylim", "", "Y axis limits as min,max, or 'auto' to fit the data. Default from config (0,0.07).")
	flag.IntVar(&width, "width", 0, "Width of each panel in pixels.")
	flag.IntVar(&height, "height", 0, "Height of each panel in pixels.")
	flag.StringVar(&tmpPath, "tmp", os.TempDir(), "Directory where gs:// inputs are downloaded.")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalln(err)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "kind":
			cfg.Plot.Kind = kind
		case "width":
			cfg.Plot.Width = width
		case "height":
			cfg.Plot.Height = height
		case "ylim":
			cfg.Plot.YLim, err = parseLimits(ylim)
		}
	})
	if err != nil {
		log.Fatalln(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalln(err)
	}

	if input == "" {
		flag.PrintDefaults()
		log.Fatalln("Please provide -in")
	}

	ctx := context.Background()
	client, err := qsmpipe.NewClientIfNeeded(ctx, input)
	if err != nil {
		log.Fatalln(err)
	}
	localInput, err := qsmpipe.Localize(ctx, input, tmpPath, client)
	if err != nil {
		log.Fatalln(err)
	}

	f, err := qsmpipe.OpenMaybeCompressed(localInput)
	if err != nil {
		log.Fatalln(err)
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		log.Fatalln(err)
	}

	rows, err := metrics.ReadLong(data)
	if err != nil {
		log.Fatalln(err)
	}
	log.Printf("Read %d values from %s\n", len(rows), input)

	opts := report.DefaultPlotOptions()
	opts.Kind = report.Kind(cfg.Plot.Kind)
	opts.YLim = cfg.Plot.YLim
	opts.Width, opts.Height = cfg.Plot.Width, cfg.Plot.Height

	if err := report.SaveFacetPlot(output, rows, opts); err != nil {
		log.Fatalln(err)
	}

	log.Println("Wrote", output)
}

func parseLimits(s string) ([]float64, error) {
	if s == "auto" {
		return nil, nil
	}

	var out []float64
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}

	return out, nil
}
