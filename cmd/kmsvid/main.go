package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/openclaw/kmsvid/internal/eloop"
	"github.com/openclaw/kmsvid/internal/mirror"
	"github.com/openclaw/kmsvid/internal/video"
)

const hotplugInterval = 2 * time.Second

type FileConfig struct {
	Node       string `json:"node"`
	HWAccel    bool   `json:"hwaccel,omitempty"`
	MirrorAddr string `json:"mirrorAddr,omitempty"`
	LogLevel   string `json:"logLevel,omitempty"`
}

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	node := flag.String("node", "", "drm device node")
	hwaccel := flag.Bool("hwaccel", false, "render through the opengl backend")
	mirrorAddr := flag.String("mirror-addr", "", "listen address for the diagnostic frame mirror")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyOverrides(&cfg, *node, *hwaccel, *mirrorAddr, *logLevel)
	if cfg.Node == "" {
		cfg.Node = "/dev/dri/card0"
	}
	setupLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kind := video.BackendDumb
	if cfg.HWAccel {
		kind = video.BackendGL
	}

	loop, err := eloop.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event loop")
	}
	defer loop.Close()

	dev, err := video.NewDevice(loop, cfg.Node, kind, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("node", cfg.Node).Msg("failed to open drm device")
	}
	defer dev.Close()

	var mir *mirror.Server
	if cfg.MirrorAddr != "" {
		mir = mirror.New(mirror.Config{Logger: log.Logger})
		go func() {
			_ = mir.Run(ctx)
		}()
		srv := &http.Server{Addr: cfg.MirrorAddr, Handler: mir.Handler()}
		go func() {
			log.Info().Str("addr", cfg.MirrorAddr).Msg("mirror listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("mirror server exited")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := dev.WakeUp(); err != nil {
		log.Fatal().Err(err).Msg("failed to wake device")
	}
	activateAll(dev, mir, log.Logger)

	var poll *eloop.Timer
	poll = loop.NewTimer(func() {
		if dev.IsAwake() {
			if err := dev.Poll(); err != nil {
				log.Warn().Err(err).Msg("hotplug scan failed")
			}
			activateAll(dev, mir, log.Logger)
		}
		poll.Arm(hotplugInterval)
	})
	poll.Arm(hotplugInterval)

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("event loop exited")
	}
	dev.Sleep()
}

// activateAll brings every newly bound display online on its default
// mode and paints the test pattern.
func activateAll(dev *video.Device, mir *mirror.Server, logger zerolog.Logger) {
	for _, d := range dev.Displays() {
		if d.State() != video.StateInactive {
			continue
		}
		if err := d.Activate(nil); err != nil {
			logger.Warn().Err(err).Uint32("connector", d.ConnectorID()).
				Msg("cannot activate display")
			continue
		}
		if err := d.SetDPMS(video.DPMSOn); err != nil {
			logger.Warn().Err(err).Msg("cannot power display on")
		}
		logger.Info().Uint32("connector", d.ConnectorID()).
			Str("mode", d.CurrentMode().Name()).Msg("display online")
		drawTestPattern(d, mir, logger)
	}
}

// drawTestPattern paints SMPTE-style color bars plus the mode name and
// presents the frame synchronously.
func drawTestPattern(d *video.Display, mir *mirror.Server, logger zerolog.Logger) {
	m := d.CurrentMode()
	w, h := int(m.Width()), int(m.Height())
	colors := barColors()
	for i, r := range barRects(w, h, len(colors)) {
		if err := d.Fill(colors[i], r); err != nil {
			logger.Warn().Err(err).Msg("cannot draw test pattern")
			return
		}
	}
	mask := labelMask(m.Name())
	if err := d.FakeBlend(mask, 16, 16, video.RGB{R: 255, G: 255, B: 255}, video.RGB{}); err != nil {
		logger.Warn().Err(err).Msg("cannot draw mode label")
	}
	if err := d.Swap(true); err != nil {
		logger.Warn().Err(err).Msg("cannot present test pattern")
		return
	}
	if mir != nil {
		// raw buffer access only exists on the dumb backend
		if front, _, err := d.GetBuffers(video.FormatXRGB8888); err == nil {
			mir.Offer(front)
		}
	}
}

func barColors() []video.RGB {
	return []video.RGB{
		{R: 255, G: 255, B: 255},
		{R: 255, G: 255},
		{G: 255, B: 255},
		{G: 255},
		{R: 255, B: 255},
		{R: 255},
		{B: 255},
		{},
	}
}

// barRects splits the width into n vertical bars, the last one
// absorbing the rounding remainder.
func barRects(width, height, n int) []video.Rect {
	barW := width / n
	rects := make([]video.Rect, n)
	for i := range rects {
		rects[i] = video.Rect{X: i * barW, Width: barW, Height: height}
	}
	rects[n-1].Width = width - rects[n-1].X
	return rects
}

// labelMask renders text into a grey8 coverage mask.
func labelMask(text string) *video.Buffer {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	height := face.Metrics().Height.Ceil()
	img := image.NewGray(image.Rect(0, 0, width, height))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Gray{Y: 255}),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	drawer.DrawString(text)
	return &video.Buffer{
		Width:  width,
		Height: height,
		Stride: img.Stride,
		Format: video.FormatGrey8,
		Data:   img.Pix,
	}
}

func loadConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FileConfig{}, nil
		}
		return FileConfig{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

func applyOverrides(cfg *FileConfig, node string, hwaccel bool, mirrorAddr, logLevel string) {
	if node != "" {
		cfg.Node = node
	}
	if mirrorAddr != "" {
		cfg.MirrorAddr = mirrorAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.HWAccel = hwaccel || cfg.HWAccel
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if parsed, err := zerolog.ParseLevel(level); err == nil {
		log.Logger = log.Level(parsed)
	}
}
