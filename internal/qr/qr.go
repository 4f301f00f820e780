// Package qr renders verification URLs as QR codes.
package qr

import (
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

// ModuleSize is the SVG edge length of one QR module.
const ModuleSize = 4

// Encoder turns a URL into an SVG document.
type Encoder interface {
	Encode(content string) (string, error)
}

// SVG is the go-qrcode backed Encoder.
type SVG struct{}

func (SVG) Encode(content string) (string, error) {
	return Encode(content)
}

// Encode renders content as an SVG with one rect per dark module. The
// bitmap includes the quiet zone.
func Encode(content string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("qr: empty content")
	}
	code, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("qr: %w", err)
	}
	bitmap := code.Bitmap()
	size := len(bitmap) * ModuleSize

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" width="%d" height="%d" shape-rendering="crispEdges">`, size, size, size, size)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="#ffffff"/>`, size, size)
	b.WriteString(`<path fill="#000000" d="`)
	for y, row := range bitmap {
		for x, dark := range row {
			if dark {
				fmt.Fprintf(&b, "M%d %dh%dv%dh-%dz", x*ModuleSize, y*ModuleSize, ModuleSize, ModuleSize, ModuleSize)
			}
		}
	}
	b.WriteString(`"/></svg>`)
	return b.String(), nil
}

// Terminal renders content with half-block characters for a console.
func Terminal(content string) (string, error) {
	code, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("qr: %w", err)
	}
	return code.ToSmallString(false), nil
}
