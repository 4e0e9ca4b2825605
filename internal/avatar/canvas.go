// Package avatar draws the robot face into an in-memory frame and optionally
// mirrors it onto a physical panel.
package avatar

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"stackchan/internal/presentation"
)

const (
	Width  = 320
	Height = 240
)

var ErrNotReady = errors.New("avatar: canvas not initialized")

// Sink receives every finished frame, e.g. an OLED panel.
type Sink interface {
	Show(img image.Image) error
}

// Canvas implements the dispatcher renderer on an RGBA frame.
type Canvas struct {
	sink Sink

	mu    sync.RWMutex
	frame *image.RGBA
}

func NewCanvas(sink Sink) *Canvas {
	return &Canvas{sink: sink}
}

func (c *Canvas) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame = image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(c.frame, c.frame.Bounds(), image.Black, image.Point{}, draw.Src)
	return c.flushLocked()
}

// Render draws face, palette and speech bubble for s.
func (c *Canvas) Render(s presentation.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frame == nil {
		return ErrNotReady
	}
	p := s.Palette()
	draw.Draw(c.frame, c.frame.Bounds(), &image.Uniform{C: p.Background}, image.Point{}, draw.Src)
	drawFace(c.frame, s.Expression, p.Primary)
	drawBubble(c.frame, s.Message, p.Primary, p.Background)
	return c.flushLocked()
}

// Raw clears the frame and prints text line by line, top-left aligned.
func (c *Canvas) Raw(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frame == nil {
		c.frame = image.NewRGBA(image.Rect(0, 0, Width, Height))
	}
	draw.Draw(c.frame, c.frame.Bounds(), image.Black, image.Point{}, draw.Src)
	y := lineHeight
	for _, line := range strings.Split(text, "\n") {
		drawText(c.frame, line, 4, y, color.White)
		y += lineHeight
	}
	return c.flushLocked()
}

func (c *Canvas) flushLocked() error {
	if c.sink == nil {
		return nil
	}
	if err := c.sink.Show(c.frame); err != nil {
		return fmt.Errorf("show frame: %w", err)
	}
	return nil
}

// Frame returns a copy of the current frame, or nil before Init.
func (c *Canvas) Frame() *image.RGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.frame == nil {
		return nil
	}
	cp := image.NewRGBA(c.frame.Rect)
	copy(cp.Pix, c.frame.Pix)
	return cp
}

// PNG encodes the current frame.
func (c *Canvas) PNG() ([]byte, error) {
	img := c.Frame()
	if img == nil {
		return nil, ErrNotReady
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Face geometry on the 320x240 frame.
const (
	leftEyeX  = 90
	rightEyeX = 230
	eyeY      = 93
	eyeRadius = 8
	mouthX    = 163
	mouthY    = 148
)

func drawFace(img draw.Image, e presentation.Expression, fg color.Color) {
	switch e {
	case presentation.Happy:
		// Closed, upturned eyes and a wide mouth.
		for _, x := range []int{leftEyeX, rightEyeX} {
			drawLine(img, x-eyeRadius-2, eyeY+4, x, eyeY-4, 2, fg)
			drawLine(img, x, eyeY-4, x+eyeRadius+2, eyeY+4, 2, fg)
		}
		fillRect(img, mouthX-45, mouthY-6, mouthX+45, mouthY+6, fg)
	case presentation.Sleepy:
		for _, x := range []int{leftEyeX, rightEyeX} {
			fillRect(img, x-eyeRadius-2, eyeY-1, x+eyeRadius+2, eyeY+2, fg)
		}
		fillRect(img, mouthX-15, mouthY-2, mouthX+15, mouthY+2, fg)
	case presentation.Doubt:
		fillCircle(img, leftEyeX, eyeY, eyeRadius, fg)
		fillCircle(img, rightEyeX, eyeY, eyeRadius-2, fg)
		drawLine(img, leftEyeX-14, eyeY-22, leftEyeX+14, eyeY-16, 2, fg)
		drawLine(img, rightEyeX-14, eyeY-16, rightEyeX+14, eyeY-22, 2, fg)
		drawLine(img, mouthX-30, mouthY+4, mouthX+30, mouthY-4, 2, fg)
	default:
		fillCircle(img, leftEyeX, eyeY, eyeRadius, fg)
		fillCircle(img, rightEyeX, eyeY, eyeRadius, fg)
		fillRect(img, mouthX-25, mouthY-2, mouthX+25, mouthY+2, fg)
	}
}

const (
	lineHeight   = 15
	bubbleTop    = 180
	bubbleMargin = 8
	maxBubbleRow = 3
)

func drawBubble(img draw.Image, msg string, fg, bg color.Color) {
	if msg == "" {
		return
	}
	lines := wrapText(msg, Width-4*bubbleMargin, maxBubbleRow)
	top := Height - bubbleMargin - len(lines)*lineHeight - 6
	if top > bubbleTop {
		top = bubbleTop
	}
	fillRect(img, bubbleMargin, top, Width-bubbleMargin, Height-bubbleMargin, fg)
	fillRect(img, bubbleMargin+2, top+2, Width-bubbleMargin-2, Height-bubbleMargin-2, bg)
	y := top + lineHeight
	for _, line := range lines {
		drawText(img, line, 2*bubbleMargin, y, fg)
		y += lineHeight
	}
}

func drawText(img draw.Image, s string, x, y int, c color.Color) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// wrapText breaks s into at most maxLines lines no wider than width pixels.
// Overflow is replaced by a trailing "...".
func wrapText(s string, width, maxLines int) []string {
	var lines []string
	for _, para := range strings.Split(s, "\n") {
		var cur strings.Builder
		for _, r := range para {
			next := cur.String() + string(r)
			if cur.Len() > 0 && font.MeasureString(basicfont.Face7x13, next).Ceil() > width {
				lines = append(lines, cur.String())
				cur.Reset()
			}
			cur.WriteRune(r)
		}
		lines = append(lines, cur.String())
	}
	if len(lines) <= maxLines {
		return lines
	}
	lines = lines[:maxLines]
	last := lines[maxLines-1]
	for utf8.RuneCountInString(last) > 0 && font.MeasureString(basicfont.Face7x13, last+"...").Ceil() > width {
		_, size := utf8.DecodeLastRuneInString(last)
		last = last[:len(last)-size]
	}
	lines[maxLines-1] = last + "..."
	return lines
}

func fillRect(img draw.Image, x0, y0, x1, y1 int, c color.Color) {
	draw.Draw(img, image.Rect(x0, y0, x1, y1), image.NewUniform(c), image.Point{}, draw.Src)
}

func fillCircle(img draw.Image, cx, cy, r int, c color.Color) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				img.Set(cx+dx, cy+dy, c)
			}
		}
	}
}

// drawLine stamps discs of radius w along the segment.
func drawLine(img draw.Image, x0, y0, x1, y1, w int, c color.Color) {
	dx, dy := x1-x0, y1-y0
	steps := max(abs(dx), abs(dy), 1)
	for i := 0; i <= steps; i++ {
		fillCircle(img, x0+dx*i/steps, y0+dy*i/steps, w, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
