package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Registration.Bins != 32 || cfg.Metrics.Percentile != 99.95 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Errorf("got %+v", cfg)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qsm.yaml")
	data := `
registration:
  synIters: [20, 10, 5]
batch:
  workers: 3
  template: /data/template.nii
metrics:
  atlases:
    - labels: structures.nii
      dictionary: structures.yaml
plot:
  kind: violin
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Batch.Workers != 3 || cfg.Batch.Template != "/data/template.nii" || cfg.Plot.Kind != "violin" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if got := cfg.Params().SynIters; !reflect.DeepEqual(got, []int{20, 10, 5}) {
		t.Errorf("synIters = %v", got)
	}
	// Untouched keys keep their defaults.
	if cfg.Registration.CCRadius != 4 || len(cfg.Metrics.Atlases) != 1 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	for name, data := range map[string]string{
		"bad yaml":        "batch: [",
		"schedule length": "registration:\n  sigmas: [3, 1]\n",
		"percentile":      "metrics:\n  percentile: 100\n",
		"plot kind":       "plot:\n  kind: strip\n",
		"ylim":            "plot:\n  ylim: [0.07, 0]\n",
		"atlas":           "metrics:\n  atlases:\n    - labels: a.nii\n",
	} {
		path := filepath.Join(t.TempDir(), "qsm.yaml")
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QC.Enabled = true
	cfg.Metrics.Atlases = []AtlasConfig{{Labels: "tissues.nii", Dictionary: "tissues.csv"}}

	path := filepath.Join(t.TempDir(), "nested", "qsm.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	back, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, cfg) {
		t.Errorf("round trip changed the config:\n%+v\n%+v", back, cfg)
	}
}
