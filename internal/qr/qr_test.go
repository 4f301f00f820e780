package qr

import (
	"strings"
	"testing"
)

func TestEncodeSVG(t *testing.T) {
	svg, err := Encode("https://verify.home-connect.com/?user_code=ABCD-1234")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasPrefix(svg, "<svg ") || !strings.HasSuffix(svg, "</svg>") {
		t.Fatalf("not an svg document: %.60s", svg)
	}
	if !strings.Contains(svg, "M") || !strings.Contains(svg, `fill="#000000"`) {
		t.Fatalf("no dark modules rendered")
	}

	again, _ := SVG{}.Encode("https://verify.home-connect.com/?user_code=ABCD-1234")
	if again != svg {
		t.Fatalf("encoding is not deterministic")
	}
}

func TestEncodeEmpty(t *testing.T) {
	if _, err := Encode(""); err == nil {
		t.Fatalf("expected error for empty content")
	}
}

func TestTerminal(t *testing.T) {
	out, err := Terminal("https://verify")
	if err != nil {
		t.Fatalf("Terminal: %v", err)
	}
	if strings.Count(out, "\n") < 10 {
		t.Fatalf("unexpected terminal rendering: %q", out)
	}
}
