// Package imaging adapts decoded bitmaps to the native matrix
// representation used by the vision primitives, and owns the
// scoped-release discipline for native objects.
package imaging

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"runtime"
	"sync"

	"gocv.io/x/gocv"

	_ "golang.org/x/image/tiff"
)

// ImageToMat converts a Go image.Image to a BGR gocv.Mat. The caller
// owns the returned Mat.
func ImageToMat(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return gocv.Mat{}, fmt.Errorf("empty image %dx%d", width, height)
	}

	// BGR, the OpenCV default layout
	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)

	// Parallelize by horizontal stripes
	numWorkers := runtime.NumCPU()
	rowsPerWorker := (height + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if endY > height {
			endY = height
		}
		if startY >= height {
			break
		}

		wg.Add(1)
		go func(yStart, yEnd int) {
			defer wg.Done()
			for y := yStart; y < yEnd; y++ {
				for x := 0; x < width; x++ {
					r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
					mat.SetUCharAt(y, x*3+0, uint8(b>>8))
					mat.SetUCharAt(y, x*3+1, uint8(g>>8))
					mat.SetUCharAt(y, x*3+2, uint8(r>>8))
				}
			}
		}(startY, endY)
	}
	wg.Wait()

	return mat, nil
}

// MatToImage converts a BGR or BGRA gocv.Mat to a Go image.Image.
func MatToImage(mat gocv.Mat) (image.Image, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("empty mat")
	}
	channels := mat.Channels()
	if channels != 3 && channels != 4 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}

	h := mat.Rows()
	w := mat.Cols()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	stride := img.Stride

	numWorkers := runtime.NumCPU()
	rowsPerWorker := (h + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for worker := 0; worker < numWorkers; worker++ {
		startY := worker * rowsPerWorker
		endY := startY + rowsPerWorker
		if endY > h {
			endY = h
		}
		if startY >= h {
			break
		}

		wg.Add(1)
		go func(yStart, yEnd int) {
			defer wg.Done()
			for y := yStart; y < yEnd; y++ {
				rowOffset := y * stride
				for x := 0; x < w; x++ {
					pixOffset := rowOffset + x*4
					img.Pix[pixOffset+0] = mat.GetUCharAt(y, x*channels+2) // R
					img.Pix[pixOffset+1] = mat.GetUCharAt(y, x*channels+1) // G
					img.Pix[pixOffset+2] = mat.GetUCharAt(y, x*channels+0) // B
					if channels == 4 {
						img.Pix[pixOffset+3] = mat.GetUCharAt(y, x*channels+3)
					} else {
						img.Pix[pixOffset+3] = 255
					}
				}
			}
		}(startY, endY)
	}
	wg.Wait()

	return img, nil
}

// Load decodes an image file (PNG, JPEG or TIFF) into a BGR Mat. The
// caller owns the returned Mat.
func Load(path string) (gocv.Mat, error) {
	f, err := os.Open(path)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return ImageToMat(img)
}

// Save writes a Mat to disk; the format follows the file extension.
func Save(path string, mat gocv.Mat) error {
	if mat.Empty() {
		return fmt.Errorf("refusing to save empty mat")
	}
	if ok := gocv.IMWrite(path, mat); !ok {
		return fmt.Errorf("write %s failed", path)
	}
	return nil
}

// ToGray converts a BGR or BGRA Mat to single-channel grayscale. The
// caller owns the returned Mat.
func ToGray(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if src.Channels() == 4 {
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
	} else {
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}
	return gray
}

// ToBGR returns a 3-channel copy of src, dropping the alpha channel
// when present. The caller owns the returned Mat.
func ToBGR(src gocv.Mat) gocv.Mat {
	if src.Channels() != 4 {
		return src.Clone()
	}
	bgr := gocv.NewMat()
	gocv.CvtColor(src, &bgr, gocv.ColorBGRAToBGR)
	return bgr
}
