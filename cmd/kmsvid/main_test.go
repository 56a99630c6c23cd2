package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyOverrides(t *testing.T) {
	cfg := FileConfig{Node: "/dev/dri/card1", LogLevel: "debug", HWAccel: true}
	applyOverrides(&cfg, "/dev/dri/card0", false, ":8080", "")
	if cfg.Node != "/dev/dri/card0" {
		t.Errorf("node = %q, want flag override", cfg.Node)
	}
	if cfg.MirrorAddr != ":8080" {
		t.Errorf("mirror addr = %q, want :8080", cfg.MirrorAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want file value kept", cfg.LogLevel)
	}
	if !cfg.HWAccel {
		t.Error("hwaccel from file dropped by unset flag")
	}
}

func TestLoadConfigMissingFileIsEmpty(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load missing config: %v", err)
	}
	if cfg != (FileConfig{}) {
		t.Errorf("missing config produced %+v", cfg)
	}
}

func TestLoadConfigParsesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"node":"/dev/dri/card2","hwaccel":true,"mirrorAddr":":9000","logLevel":"warn"}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Node != "/dev/dri/card2" || !cfg.HWAccel || cfg.MirrorAddr != ":9000" || cfg.LogLevel != "warn" {
		t.Errorf("parsed config %+v", cfg)
	}
}

func TestBarRectsCoverWidth(t *testing.T) {
	rects := barRects(1921, 1080, len(barColors()))
	x := 0
	for _, r := range rects {
		if r.X != x {
			t.Fatalf("bar at x=%d, want %d", r.X, x)
		}
		if r.Height != 1080 {
			t.Fatalf("bar height %d, want 1080", r.Height)
		}
		x += r.Width
	}
	if x != 1921 {
		t.Errorf("bars cover %d pixels, want 1921", x)
	}
}

func TestLabelMaskHasCoverage(t *testing.T) {
	mask := labelMask("1920x1080")
	if mask.Width <= 0 || mask.Height <= 0 {
		t.Fatalf("empty mask %dx%d", mask.Width, mask.Height)
	}
	covered := false
	for _, v := range mask.Data {
		if v != 0 {
			covered = true
			break
		}
	}
	if !covered {
		t.Error("label mask rendered no coverage")
	}
}
