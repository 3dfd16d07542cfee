// Package blurhashenc implements the blurhash encoding pipeline: cosine
// basis factors over sRGB-linearized pixels, quantization, and base83
// packing. The packing primitives are exported so placeholders can be
// built for media that never decodes to an image.
package blurhashenc

import (
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/pkg/errors"
)

const base83Charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz#$%*+,-.:;=?@[]^_{|}~"

// Encode computes the blurhash of img with the given component counts,
// 1..9 each. The canonical choice for previews is 4x3.
func Encode(img image.Image, xComponents, yComponents int) (string, error) {
	if xComponents < 1 || xComponents > 9 || yComponents < 1 || yComponents > 9 {
		return "", errors.Errorf("component counts must be within 1..9, got %dx%d", xComponents, yComponents)
	}

	factors := multiplyBasisFunctions(img, xComponents, yComponents)

	var sb strings.Builder
	sb.Grow(6 + 2*(xComponents*yComponents-1))

	sizeFlag := (xComponents - 1) + (yComponents-1)*9
	sb.WriteString(EncodeBase83(sizeFlag, 1))

	acCount := xComponents*yComponents - 1
	maximumValue := 1.0
	quantisedMaximum := 0
	if acCount > 0 {
		actualMaximum := 0.0
		for i := 0; i < acCount*3; i++ {
			actualMaximum = math.Max(math.Abs(factors[i+3]), actualMaximum)
		}
		quantisedMaximum = int(math.Max(0, math.Min(82, math.Floor(actualMaximum*166-0.5))))
		maximumValue = (float64(quantisedMaximum) + 1) / 166
	}
	sb.WriteString(EncodeBase83(quantisedMaximum, 1))

	sb.WriteString(EncodeBase83(EncodeDC(factors[0], factors[1], factors[2]), 4))
	for i := 0; i < acCount; i++ {
		sb.WriteString(EncodeBase83(EncodeAC(factors[3*(i+1)], factors[3*(i+1)+1], factors[3*(i+1)+2], maximumValue), 2))
	}
	return sb.String(), nil
}

// Solid returns the blurhash of a uniform field of c: a single DC
// component and no AC data. Used as a placeholder for attachments that
// carry no decodable image.
func Solid(c color.Color) string {
	r, g, b, _ := c.RGBA()
	dc := EncodeDC(
		SRGBToLinear(int(r>>8)),
		SRGBToLinear(int(g>>8)),
		SRGBToLinear(int(b>>8)),
	)
	// size flag for 1x1 is 0 and the AC scale digit is 0.
	return "00" + EncodeBase83(dc, 4)
}

func multiplyBasisFunctions(img image.Image, xComponents, yComponents int) []float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	factors := make([]float64, xComponents*yComponents*3)

	for yc := 0; yc < yComponents; yc++ {
		for xc := 0; xc < xComponents; xc++ {
			normalisation := 2.0
			if xc == 0 && yc == 0 {
				normalisation = 1.0
			}
			var fr, fg, fb float64
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					basis := math.Cos(math.Pi*float64(xc)*float64(x)/float64(width)) *
						math.Cos(math.Pi*float64(yc)*float64(y)/float64(height))
					r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
					fr += basis * SRGBToLinear(int(r>>8))
					fg += basis * SRGBToLinear(int(g>>8))
					fb += basis * SRGBToLinear(int(b>>8))
				}
			}
			scale := normalisation / float64(width*height)
			idx := 3 * (yc*xComponents + xc)
			factors[idx] = fr * scale
			factors[idx+1] = fg * scale
			factors[idx+2] = fb * scale
		}
	}
	return factors
}

// EncodeDC packs the DC component: each channel linear->sRGB, then
// (r<<16)|(g<<8)|b.
func EncodeDC(r, g, b float64) int {
	return (LinearToSRGB(r) << 16) + (LinearToSRGB(g) << 8) + LinearToSRGB(b)
}

// EncodeAC quantizes one AC component into 0..18 per channel with a
// sign-preserving square root, packed r*19*19 + g*19 + b.
func EncodeAC(r, g, b, maximumValue float64) int {
	quant := func(v float64) int {
		return int(math.Max(0, math.Min(18, math.Floor(SignPow(v/maximumValue, 0.5)*9+9.5))))
	}
	return quant(r)*19*19 + quant(g)*19 + quant(b)
}

// SignPow raises |v| to exp, keeping v's sign.
func SignPow(v, exp float64) float64 {
	return math.Copysign(math.Pow(math.Abs(v), exp), v)
}

// SRGBToLinear converts an 8-bit sRGB channel to linear light using the
// piecewise gamma 2.4 curve.
func SRGBToLinear(value int) float64 {
	v := float64(value) / 255
	if v <= 0.04045 {
		return v / 12.92
	}
	return math.Pow((v+0.055)/1.055, 2.4)
}

// LinearToSRGB quantizes linear light back to an 8-bit sRGB channel.
func LinearToSRGB(value float64) int {
	v := math.Max(0, math.Min(1, value))
	if v <= 0.0031308 {
		return int(v*12.92*255 + 0.5)
	}
	return int((1.055*math.Pow(v, 1/2.4)-0.055)*255 + 0.5)
}

// EncodeBase83 renders value in base83, most significant digit first,
// zero-padded to length.
func EncodeBase83(value, length int) string {
	result := make([]byte, length)
	divisor := 1
	for i := 0; i < length-1; i++ {
		divisor *= 83
	}
	for i := 0; i < length; i++ {
		result[i] = base83Charset[(value/divisor)%83]
		divisor /= 83
	}
	return string(result)
}
