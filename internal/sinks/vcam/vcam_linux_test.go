//go:build linux

package vcam

import "testing"

func TestRGBAToYUYVProducesExpectedLength(t *testing.T) {
	w, h := 4, 2
	pix := make([]byte, w*h*4)
	for i := range pix {
		pix[i] = 128
	}

	out := rgbaToYUYV(pix, w*4, w, h)
	if len(out) != w*h*2 {
		t.Fatalf("expected %d bytes, got %d", w*h*2, len(out))
	}
}

func TestRGBToYUVGrayIsNeutralChroma(t *testing.T) {
	_, u, v := rgbToYUV(128, 128, 128)
	if u < 120 || u > 136 {
		t.Fatalf("expected near-neutral U for gray, got %d", u)
	}
	if v < 120 || v > 136 {
		t.Fatalf("expected near-neutral V for gray, got %d", v)
	}
}
