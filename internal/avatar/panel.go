package avatar

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"
)

// Panel mirrors frames onto an SSD1306 OLED over I2C. Frames are scaled to the
// panel and thresholded to one bit per pixel.
type Panel struct {
	bus i2c.BusCloser
	dev *ssd1306.Dev
	buf *image1bit.VerticalLSB
}

// OpenPanel opens the named I2C bus; an empty name picks the first one.
func OpenPanel(busName string) (*Panel, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}
	opts := ssd1306.DefaultOpts
	dev, err := ssd1306.NewI2C(bus, &opts)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("init ssd1306: %w", err)
	}
	return &Panel{bus: bus, dev: dev, buf: image1bit.NewVerticalLSB(dev.Bounds())}, nil
}

func (p *Panel) Show(img image.Image) error {
	scaleInto(p.buf, img)
	return p.dev.Draw(p.dev.Bounds(), p.buf, image.Point{})
}

func (p *Panel) Close() error {
	haltErr := p.dev.Halt()
	if err := p.bus.Close(); err != nil {
		return err
	}
	return haltErr
}

// scaleInto fits src into dst. dst's color model does the 1-bit conversion.
func scaleInto(dst draw.Image, src image.Image) {
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
}
