package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gocv.io/x/gocv"
)

// Synthesizer is the generative backend boundary: one prompt plus
// reference images in, exactly one synthesized image out. Deadlines on
// the call are the implementation's concern.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt string, refs []gocv.Mat) (gocv.Mat, error)
}

// Variation is one generative result, drift-corrected against the
// golden template. The caller owns the Image.
type Variation struct {
	Index int
	Image gocv.Mat
}

// Variations requests count synthesized variations concurrently, one
// request per variation, and passes each result through golden-template
// drift correction so variations sit in the same frame as the rest of
// the batch. A failed variation is logged and dropped; the returned set
// holds whichever variations succeeded, ordered by index. The caller
// owns the returned images.
func (p *Pipeline) Variations(ctx context.Context, synth Synthesizer, prompt string, template gocv.Mat, refs []gocv.Mat, count int) ([]Variation, error) {
	if count <= 0 {
		return nil, nil
	}
	if synth == nil {
		return nil, fmt.Errorf("no synthesizer configured")
	}

	results := make(chan Variation, count)
	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			raw, err := synth.Synthesize(ctx, prompt, refs)
			if err != nil {
				p.log.WithField("variation", idx).Warnf("synthesis failed: %v", err)
				return
			}
			defer raw.Close()

			results <- Variation{Index: idx, Image: p.correct(template, raw)}
		}(i)
	}

	wg.Wait()
	close(results)

	out := make([]Variation, 0, count)
	for v := range results {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	if len(out) == 0 {
		return nil, fmt.Errorf("all %d variations failed", count)
	}
	return out, nil
}
