// Package screen draws the safety indicators on the panel's small status display.
package screen

import (
	"context"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fogleman/gg"
	"github.com/hashicorp/go-hclog"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/panel"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/safety"
)

type Config struct {
	// Device is an RGB565 framebuffer such as /dev/fb1.  Empty disables it.
	Device string `yaml:"device"`
	// PNG, if set, gets a copy of every frame.  Handy on a bench without the display.
	PNG  string `yaml:"png"`
	Size int    `yaml:"size"`
	// Rotate turns the image a quarter turn to suit a display mounted on its side.
	Rotate  bool          `yaml:"rotate"`
	Refresh time.Duration `yaml:"refresh"`
}

func DefaultConfig() Config {
	return Config{
		Device:  "/dev/fb1",
		Size:    128,
		Rotate:  true,
		Refresh: 500 * time.Millisecond,
	}
}

// Source is where the screen gets its state.  *panel.Panel implements it.
type Source interface {
	Snapshot() safety.State
	Limits() safety.Limits
	Watch() (<-chan struct{}, func())
}

type Screen struct {
	cfg Config
	src Source
	clk clock.Clock
	log hclog.Logger
}

func New(cfg Config, src Source, clk clock.Clock, log hclog.Logger) *Screen {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Size <= 0 {
		cfg.Size = 128
	}
	return &Screen{cfg: cfg, src: src, clk: clk, log: log.Named("screen")}
}

// Run redraws on every state change and at the refresh interval until ctx is done, then blanks
// the display.
func (s *Screen) Run(ctx context.Context) {
	if s.cfg.Device == "" && s.cfg.PNG == "" {
		s.log.Info("no display configured")
		return
	}
	var fb *os.File
	if s.cfg.Device != "" {
		f, err := os.OpenFile(s.cfg.Device, os.O_RDWR, 0666)
		if err != nil {
			s.log.Warn("failed to open screen, ignoring", "device", s.cfg.Device, "error", err)
		} else {
			fb = f
			defer func() {
				_ = s.writeFrame(f, make([]byte, s.cfg.Size*s.cfg.Size*2))
				_ = f.Close()
			}()
		}
	}

	changes, stopWatching := s.src.Watch()
	defer stopWatching()
	refresh := s.cfg.Refresh
	if refresh <= 0 {
		refresh = time.Second
	}
	ticker := s.clk.Ticker(refresh)
	defer ticker.Stop()

	for {
		img := Render(s.src.Snapshot(), s.src.Limits(), s.cfg.Size)
		if fb != nil {
			if err := s.writeFrame(fb, EncodeRGB565(img, s.cfg.Rotate)); err != nil {
				s.log.Error("screen failure", "error", err)
				fb = nil
			}
		}
		if s.cfg.PNG != "" {
			if err := gg.SavePNG(s.cfg.PNG, img); err != nil {
				s.log.Warn("failed to save frame", "path", s.cfg.PNG, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-changes:
		case <-ticker.C:
		}
	}
}

func (s *Screen) writeFrame(f *os.File, buf []byte) error {
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	// The SPI display driver copes better with a row at a time.
	row := s.cfg.Size * 2
	for i := 0; i+row <= len(buf); i += row {
		if _, err := f.Write(buf[i : i+row]); err != nil {
			return err
		}
	}
	return nil
}

var (
	colourEstop  = [3]float64{1, 0.2, 0}
	colourClear  = [3]float64{0, 0.6, 0.1}
	colourAlive  = [3]float64{0, 0.6, 0.1}
	colourIdle   = [3]float64{0.3, 0.3, 0.3}
	colourAccent = [3]float64{1, 0.9, 0}
)

// Render draws one frame: E-Stop band, master control band, turn, difficulty bar and started
// state, top to bottom.
func Render(st safety.State, limits safety.Limits, size int) image.Image {
	S := float64(size)
	band := S / 5
	dc := gg.NewContext(size, size)
	dc.SetRGB(0, 0, 0)
	dc.Clear()

	drawBand(dc, 0, band, S, pick(st.EstopActive, colourEstop, colourClear), panel.EstopText(st))
	drawBand(dc, band, band, S, pick(st.Alive(), colourAlive, colourIdle), shortMaster(st))

	dc.SetRGB(colourAccent[0], colourAccent[1], colourAccent[2])
	dc.DrawStringAnchored(panel.TurnText(st), S/2, band*2.5, 0.5, 0.5)

	drawDifficultyBar(dc, band*3.2, S, st.Difficulty, limits)

	dc.SetRGB(colourAccent[0], colourAccent[1], colourAccent[2])
	dc.DrawStringAnchored(panel.StartedText(st), S/2, band*4.5, 0.5, 0.5)
	if st.EstopActive {
		dc.Push()
		dc.Translate(S-12, band*4.5)
		DrawWarning(dc)
		dc.Pop()
	}
	return dc.Image()
}

func pick(cond bool, a, b [3]float64) [3]float64 {
	if cond {
		return a
	}
	return b
}

// shortMaster fits the master control text on a small display.
func shortMaster(st safety.State) string {
	if st.Alive() {
		return "ACTIVE"
	}
	return "HOLD"
}

func drawBand(dc *gg.Context, y, h, w float64, colour [3]float64, text string) {
	dc.SetRGB(colour[0], colour[1], colour[2])
	dc.DrawRectangle(0, y, w, h-1)
	dc.Fill()
	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored(text, w/2, y+h/2, 0.5, 0.5)
}

const difficultyCells = 10

func drawDifficultyBar(dc *gg.Context, y, w float64, difficulty int, limits safety.Limits) {
	fill := 1.0
	if span := limits.Max - limits.Min; span > 0 {
		fill = float64(difficulty-limits.Min) / float64(span)
	}
	cellW := (w - 4) / difficultyCells
	dc.SetRGB(colourAccent[0], colourAccent[1], colourAccent[2])
	dc.DrawRectangle(1, y, w-2, 12)
	dc.Stroke()
	for n := 0; n < difficultyCells; n++ {
		if fill >= float64(n+1)/difficultyCells {
			dc.DrawRectangle(2+float64(n)*cellW+1, y+2, cellW-2, 8)
		}
	}
	dc.Fill()
	dc.DrawStringAnchored(fmt.Sprintf("LVL %d", difficulty), w/2, y+20, 0.5, 0.5)
}

func DrawWarning(dc *gg.Context) {
	dc.SetRGB(colourEstop[0], colourEstop[1], colourEstop[2])
	dc.DrawRegularPolygon(3, 0, 0, 10, 0)
	dc.Fill()
	dc.SetRGBA(0, 0, 0, 0.9)
	dc.DrawString("!", -3, 3)
}

// EncodeRGB565 packs a square image into the framebuffer's little-endian RGB565 layout.
func EncodeRGB565(img image.Image, rotate bool) []byte {
	b := img.Bounds()
	S := b.Dx()
	buf := make([]byte, S*S*2)
	for y := 0; y < S; y++ {
		for x := 0; x < S; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA() // 16-bit pre-multiplied

			rb := byte(r >> (16 - 5))
			gb := byte(g >> (16 - 6)) // Green has 6 bits
			bb := byte(bl >> (16 - 5))

			idx := (y*S + x) * 2
			if rotate {
				idx = ((S-1-y) + x*S) * 2
			}
			buf[idx+1] = (rb << 3) | (gb >> 3)
			buf[idx] = bb | (gb << 5)
		}
	}
	return buf
}
