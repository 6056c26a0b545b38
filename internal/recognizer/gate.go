package recognizer

import "math"

// gate is a frame-energy voice activity detector counted in samples, so the
// outcome depends only on the audio and not on wall-clock timing.
type gate struct {
	threshold   float64
	silence     int
	listenLimit int
	maxSpeech   int

	heard     bool
	total     int
	speech    int
	silentRun int
}

// feed consumes one frame and reports whether the attempt is over.
func (g *gate) feed(samples []int16) bool {
	loud := rms(samples) >= g.threshold
	g.total += len(samples)

	if !g.heard {
		if loud {
			g.heard = true
			g.speech = len(samples)
			return g.speech >= g.maxSpeech
		}
		return g.total >= g.listenLimit
	}

	g.speech += len(samples)
	if loud {
		g.silentRun = 0
	} else {
		g.silentRun += len(samples)
	}
	return g.silentRun >= g.silence || g.speech >= g.maxSpeech
}

func (g *gate) result(captured []int16) []int16 {
	if !g.heard {
		return nil
	}
	return captured
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
