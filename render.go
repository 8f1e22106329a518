package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

const (
	noDonorsWidth  = 700
	noDonorsHeight = 120
	borderWidth    = 2
)

// Renderer draws acquired avatars into a PNG grid.
type Renderer struct {
	background color.RGBA
	border     color.RGBA
	log        zerolog.Logger
}

type RenderStyle struct {
	Background string
	Border     string
}

func NewRenderer(style RenderStyle) (*Renderer, error) {
	bg, err := parseHexColor(style.Background)
	if err != nil {
		return nil, fmt.Errorf("background: %w", err)
	}
	border, err := parseHexColor(style.Border)
	if err != nil {
		return nil, fmt.Errorf("border: %w", err)
	}
	return &Renderer{background: bg, border: border, log: componentLogger("render")}, nil
}

// RenderGrid places images row-major on a canvas sized by layout. Images
// beyond the layout's slots and payloads that fail to decode are skipped.
func (r *Renderer) RenderGrid(images []EncodedImage, layout LayoutResult, iconSize, gap int) ([]byte, error) {
	if layout.CanvasWidth <= 0 || layout.CanvasHeight <= 0 {
		return nil, fmt.Errorf("empty canvas %dx%d", layout.CanvasWidth, layout.CanvasHeight)
	}
	if iconSize <= 0 {
		iconSize = DefaultIconSize
	}
	gap = max(gap, 0)

	canvas := image.NewRGBA(image.Rect(0, 0, layout.CanvasWidth, layout.CanvasHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(r.background), image.Point{}, draw.Src)

	slot := 0
	for _, enc := range images {
		if slot >= layout.Slots() {
			break
		}
		src, _, err := image.Decode(bytes.NewReader(enc.Data))
		if err != nil {
			r.log.Warn().Err(err).Str("media_type", enc.MediaType).Msg("skipping undecodable avatar")
			continue
		}
		col, row := slot%layout.Columns, slot/layout.Columns
		x := gap + col*(iconSize+gap)
		y := gap + row*(iconSize+gap)
		r.drawAvatar(canvas, src, image.Rect(x, y, x+iconSize, y+iconSize))
		slot++
	}
	return encodePNG(canvas)
}

func (r *Renderer) drawAvatar(dst *image.RGBA, src image.Image, rect image.Rectangle) {
	scaled := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Src, nil)

	outer := &circle{center: image.Pt(rect.Dx()/2, rect.Dy()/2), radius: rect.Dx() / 2}
	inner := &circle{center: outer.center, radius: max(outer.radius-borderWidth, 0)}
	draw.DrawMask(dst, rect, image.NewUniform(r.border), image.Point{}, outer, image.Point{}, draw.Over)
	draw.DrawMask(dst, rect, scaled, image.Point{}, inner, image.Point{}, draw.Over)
}

// RenderNoDonors draws the placeholder shown when no avatar was acquired.
func (r *Renderer) RenderNoDonors(org string) ([]byte, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, noDonorsWidth, noDonorsHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.RGBA{R: 0x1a, G: 0x1a, B: 0x1a, A: 0xff}), image.Point{}, draw.Src)

	msg := fmt.Sprintf("No donors yet, be the first to donate to %s!", org)
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.RGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}),
		Face: basicfont.Face7x13,
	}
	width := d.MeasureString(msg).Round()
	x := max((noDonorsWidth-width)/2, 24)
	y := (noDonorsHeight + basicfont.Face7x13.Ascent - basicfont.Face7x13.Descent) / 2
	d.Dot = fixed.P(x, y)
	d.DrawString(msg)
	return encodePNG(canvas)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// circle is an alpha mask that is opaque inside the radius.
type circle struct {
	center image.Point
	radius int
}

func (c *circle) ColorModel() color.Model { return color.AlphaModel }

func (c *circle) Bounds() image.Rectangle {
	return image.Rect(c.center.X-c.radius, c.center.Y-c.radius, c.center.X+c.radius, c.center.Y+c.radius)
}

func (c *circle) At(x, y int) color.Color {
	xx, yy, rr := float64(x-c.center.X)+0.5, float64(y-c.center.Y)+0.5, float64(c.radius)
	if xx*xx+yy*yy < rr*rr {
		return color.Alpha{A: 255}
	}
	return color.Alpha{}
}

func parseHexColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
