// Package fingerprint memoizes coaching texts for recurring situations.
//
// A fingerprint is a coarse, bucketed key over one tick's state. The
// bucket boundaries are fixed at load time and intentionally wide:
// two close-but-distinct raw readings collide into the same key so a
// prior decision's text can be reused without an upstream call.
package fingerprint

import (
	"strings"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/config"
)

// Buckets classifies raw tempo and amplitude readings into fixed,
// monotonic, non-overlapping classes. Built once from validated
// configuration; immutable afterwards.
type Buckets struct {
	tempo     []config.Bucket
	amplitude []config.Bucket
}

// NewBuckets builds the classifier from validated configuration.
func NewBuckets(cfg config.BucketsConfig) Buckets {
	return Buckets{tempo: cfg.Tempo, amplitude: cfg.Amplitude}
}

// TempoClass returns the label of the tempo bucket containing v.
func (b Buckets) TempoClass(v float64) string {
	return classify(b.tempo, v)
}

// AmplitudeClass returns the label of the amplitude bucket containing v.
func (b Buckets) AmplitudeClass(v float64) string {
	return classify(b.amplitude, v)
}

func classify(buckets []config.Bucket, v float64) string {
	for _, bk := range buckets {
		if bk.Upper == nil || v < *bk.Upper {
			return bk.Label
		}
	}
	// Unreachable with a validated table; the last bucket is open-ended.
	return buckets[len(buckets)-1].Label
}

// Key builds the cache key for one tick. All parts are already coarse
// classes, so readings within the same practical range produce the
// same key.
func (b Buckets) Key(severity, trend string, tempo, amplitude float64, phase, mode string) string {
	return strings.Join([]string{
		severity,
		trend,
		b.TempoClass(tempo),
		b.AmplitudeClass(amplitude),
		phase,
		mode,
	}, "|")
}
