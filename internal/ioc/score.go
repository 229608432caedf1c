package ioc

import "math"

// Normalize maps a (source, raw score) pair onto the shared 0-100 scale and
// returns the derived classification tier. Detection-ratio scores divide
// positives by total (a zero total normalizes to 0); every other input,
// including scores from sources we carry no profile for, is clamped into
// [0,100]. The clamp is an explicit fallback, not an error. Normalize is
// deterministic and has no side effects.
func Normalize(source string, raw RawScore) (int, Classification) {
	var score int
	if raw.Ratio {
		if raw.Total > 0 {
			score = int(math.Round(float64(raw.Positives) / float64(raw.Total) * 100))
		}
	} else {
		score = int(math.Round(raw.Confidence))
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	return score, Classify(score)
}

// Classify derives the severity tier from a normalized score. Boundary
// values belong to the upper tier: exactly 80 is critical, exactly 60 is
// high, exactly 30 is medium.
func Classify(score int) Classification {
	switch {
	case score >= 80:
		return ClassCritical
	case score >= 60:
		return ClassHigh
	case score >= 30:
		return ClassMedium
	case score > 0:
		return ClassLow
	default:
		return ClassClean
	}
}
