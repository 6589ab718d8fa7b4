package fingerprint

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/draw"
	"image/png"
)

const canvasText = "Portal fp, <canvas> 1.0 \U0001F600"

// renderCanvas draws canvasText onto an offscreen RGBA surface and returns the PNG
// as a data URL. Each byte of the text becomes an 8-pixel glyph column pattern.
func renderCanvas() (string, error) {
	img := image.NewRGBA(image.Rect(0, 0, 240, 60))
	draw.Draw(img, img.Bounds(), image.Transparent, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(125, 1, 187, 21), image.NewUniform(color.RGBA{R: 0xff, G: 0x66, A: 0xff}), image.Point{}, draw.Src)

	ink := []color.Color{
		color.RGBA{R: 0x06, G: 0x90, B: 0x69, A: 0xff},
		color.NRGBA{R: 0x66, G: 0xcc, A: 0xb3},
	}
	for layer, c := range ink {
		src := image.NewUniform(c)
		ox, oy := 2+layer*2, 15+layer*2
		for i, b := range []byte(canvasText) {
			for bit := 0; bit < 8; bit++ {
				if b&(1<<bit) == 0 {
					continue
				}
				r := image.Rect(ox+i*3, oy+bit*3, ox+i*3+2, oy+bit*3+2)
				draw.Draw(img, r, src, image.Point{}, draw.Over)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
