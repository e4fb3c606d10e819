package normalize

import (
	"image"
	"runtime"
	"sync"
)

// ToTensor writes img as float32 CHW in [0,1]. The logical shape is
// [1, 3, height, width]; the batch dimension adds no data.
func ToTensor(img *image.NRGBA) []float32 {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	channelSize := width * height
	buffer := make([]float32, channelSize*3)

	numWorkers := min(runtime.GOMAXPROCS(0), height)
	if numWorkers < 1 {
		return buffer
	}
	rowsPerWorker := height / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == numWorkers-1 {
			endRow = height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				row := img.Pix[y*img.Stride : y*img.Stride+width*4]
				offset := y * width
				for x := 0; x < width; x++ {
					i := offset + x
					buffer[i] = float32(row[x*4]) / 255.0
					buffer[channelSize+i] = float32(row[x*4+1]) / 255.0
					buffer[channelSize*2+i] = float32(row[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
	return buffer
}
