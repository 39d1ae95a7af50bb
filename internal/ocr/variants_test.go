package ocr

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVariantsShapeAndOrder(t *testing.T) {
	page := textPage("Patient: John", 120, 40)

	variants := GenerateVariants(page)
	require.Len(t, variants, VariantCount)

	for i, v := range variants {
		if i == VariantUpscaled {
			assert.Equal(t, image.Rect(0, 0, 240, 80), v.Bounds(), VariantNames[i])
			continue
		}
		assert.Equal(t, image.Rect(0, 0, 120, 40), v.Bounds(), VariantNames[i])
	}
}

func TestGenerateVariantsAlwaysSix(t *testing.T) {
	blank := image.NewGray(image.Rect(0, 0, 16, 16))
	assert.Len(t, GenerateVariants(blank), VariantCount)

	offset := image.NewRGBA(image.Rect(10, 10, 30, 25))
	for i, v := range GenerateVariants(offset) {
		want := image.Rect(0, 0, 20, 15)
		if i == VariantUpscaled {
			want = image.Rect(0, 0, 40, 30)
		}
		assert.Equal(t, want, v.Bounds(), VariantNames[i])
	}
}

func TestGenerateVariantsEmptyImage(t *testing.T) {
	variants := GenerateVariants(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	require.Len(t, variants, VariantCount)
	for _, v := range variants {
		assert.True(t, v.Bounds().Empty())
	}
}

func TestGenerateVariantsDeterministic(t *testing.T) {
	page := textPage("Same input", 100, 30)
	a := GenerateVariants(page)
	b := GenerateVariants(page)
	for i := range a {
		assert.Equal(t, a[i].Pix, b[i].Pix, VariantNames[i])
	}
}

func TestBinaryVariantsAreBinary(t *testing.T) {
	variants := GenerateVariants(textPage("Binary check", 100, 30))
	for _, idx := range []int{VariantAdaptiveThreshold, VariantOtsu} {
		for _, p := range variants[idx].Pix {
			if p != 0 && p != 255 {
				t.Fatalf("%s has non-binary pixel %d", VariantNames[idx], p)
			}
		}
	}
}

func TestOtsuSplitsTwoLevels(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			v := uint8(50)
			if x >= 5 {
				v = 200
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}

	assert.Equal(t, uint8(50), otsuThreshold(img))

	out := otsuBinarize(img)
	assert.Equal(t, uint8(0), out.GrayAt(2, 2).Y)
	assert.Equal(t, uint8(255), out.GrayAt(7, 2).Y)
}

func TestDilateWidensHorizontally(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	img.SetGray(5, 5, color.Gray{Y: 255})

	out := dilate(img, 2, 1)

	assert.Equal(t, uint8(255), out.GrayAt(5, 5).Y)
	assert.Equal(t, uint8(255), out.GrayAt(6, 5).Y)
	assert.Equal(t, uint8(0), out.GrayAt(4, 5).Y)
	assert.Equal(t, uint8(0), out.GrayAt(5, 4).Y)
	assert.Equal(t, uint8(0), out.GrayAt(5, 6).Y)
}

func TestMorphCloseBridgesGap(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	for x := 0; x < 10; x++ {
		if x != 5 {
			img.SetGray(x, 5, color.Gray{Y: 255})
		}
	}

	out := morphClose(img, 2, 2)

	for x := 0; x < 10; x++ {
		assert.Equal(t, uint8(255), out.GrayAt(x, 5).Y, "x=%d", x)
		assert.Equal(t, uint8(0), out.GrayAt(x, 4).Y, "row above, x=%d", x)
		assert.Equal(t, uint8(0), out.GrayAt(x, 6).Y, "row below, x=%d", x)
	}
}

func TestFallbackVariantUpscales(t *testing.T) {
	out := FallbackVariant(textPage("fallback", 80, 20))
	assert.Equal(t, 120, out.Bounds().Dx())
	assert.Equal(t, 30, out.Bounds().Dy())
}
