package sim

import (
	"fmt"

	"github.com/agalue/onboard-vad/internal/vad"
)

// Evaluation compares detected segments against reference labels. Matching is
// by interval overlap in seconds: a detection counts as correct when it
// overlaps at least one reference interval, and a reference counts as found
// when at least one detection overlaps it.
type Evaluation struct {
	RefCount    int
	SegCount    int
	MatchedRefs int
	MatchedSegs int

	// Precision is the fraction of detections that overlap a reference;
	// Recall the fraction of references some detection overlaps.
	Precision float64
	Recall    float64

	// SpeechCoverage is the fraction of total reference speech time covered
	// by detections; with two seconds of padding on every boundary it should
	// sit near 1.0 on a healthy tuning.
	SpeechCoverage float64

	// Annotated is the detection list in label form: every detection with
	// its debug statistics as comment, prefixed "missed" when references were
	// given and it overlaps none of them.
	Annotated []Label
}

// Evaluate matches segments against refs. refs may be empty, in which case
// only the annotated detections are produced.
func Evaluate(segments []vad.Segment, refs []Label, sampleRate int) *Evaluation {
	ev := &Evaluation{
		RefCount: len(refs),
		SegCount: len(segments),
	}

	refMatched := make([]bool, len(refs))
	var refTotal, refCovered float64
	for _, r := range refs {
		refTotal += r.To - r.From
	}

	for _, seg := range segments {
		from := float64(seg.SampleFrom) / float64(sampleRate)
		to := float64(seg.SampleTo) / float64(sampleRate)

		matched := false
		for i, r := range refs {
			if from < r.To && r.From < to {
				matched = true
				if !refMatched[i] {
					refMatched[i] = true
					ev.MatchedRefs++
				}
				refCovered += overlap(from, to, r.From, r.To)
			}
		}

		comment := fmt.Sprintf("vad=%.2f ratio=%.2f", seg.DebugRNNVad, seg.DebugAvgSpeechVolRatio)
		if !matched && len(refs) > 0 {
			comment = "missed " + comment
		} else if matched {
			ev.MatchedSegs++
		}
		ev.Annotated = append(ev.Annotated, Label{From: from, To: to, Comment: comment})
	}

	if ev.SegCount > 0 {
		ev.Precision = float64(ev.MatchedSegs) / float64(ev.SegCount)
	}
	if ev.RefCount > 0 {
		ev.Recall = float64(ev.MatchedRefs) / float64(ev.RefCount)
	}
	if refTotal > 0 {
		// Overlapping detections can double-count covered time; clamp.
		ev.SpeechCoverage = min(refCovered/refTotal, 1.0)
	}
	return ev
}

func overlap(aFrom, aTo, bFrom, bTo float64) float64 {
	from := max(aFrom, bFrom)
	to := min(aTo, bTo)
	if to <= from {
		return 0
	}
	return to - from
}
