package testsupport

import (
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// WritePNG writes a width x height image with a diagonal gradient seeded by
// shade. Different shades produce visually distinct images.
func WritePNG(t testing.TB, path string, width, height int, shade uint8) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8((x*255/max(width, 1) + int(shade)) % 256)
			w := uint8((y*255/max(height, 1) + int(shade)*3) % 256)
			img.Set(x, y, color.RGBA{R: v, G: w, B: shade, A: 0xff})
		}
	}
	writePNG(t, path, img)
}

// WriteNoisePNG writes an image of pseudo-random pixels. Distinct seeds give
// images far apart in perceptual hash space.
func WriteNoisePNG(t testing.TB, path string, width, height int, seed int64) {
	t.Helper()

	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, width, height))
	// Coarse 8x8 blocks keep the noise visible after downscaling.
	block := max(width/8, 1)
	for by := 0; by < height; by += block {
		for bx := 0; bx < width; bx += block {
			v := uint8(rng.Intn(256))
			for y := by; y < min(by+block, height); y++ {
				for x := bx; x < min(bx+block, width); x++ {
					img.SetGray(x, y, color.Gray{Y: v})
				}
			}
		}
	}
	writePNG(t, path, img)
}

// CopyFile duplicates src byte for byte.
func CopyFile(t testing.TB, src, dst string) {
	t.Helper()

	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read %s: %v", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", dst, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", dst, err)
	}
}

func writePNG(t testing.TB, path string, img image.Image) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}
