// Package scoring combines the threshold, discrimination and identification
// results of one subject into a composite score and band.
package scoring

import (
	"sync"

	"scentsmart/internal/engine"
)

type Band string

const (
	BandNormal  Band = "normal"
	BandReduced Band = "reduced"
	BandLoss    Band = "loss"
	BandNoData  Band = "no data"
)

// Classify bands a composite score. A session without any scored trial has
// no band.
func Classify(composite float64, trials int) Band {
	switch {
	case trials == 0:
		return BandNoData
	case composite > 21:
		return BandNormal
	case composite >= 14.5:
		return BandReduced
	}
	return BandLoss
}

// Scores are the sub-scores and their sum. An undefined threshold score
// counts as 0 in the composite.
type Scores struct {
	Threshold        float64 `json:"threshold_score"`
	ThresholdDefined bool    `json:"threshold_defined"`
	Discrimination   int     `json:"discrimination_score"`
	Identification   int     `json:"identification_score"`
	Composite        float64 `json:"composite_score"`
}

var order = []engine.Kind{engine.KindThreshold, engine.KindDiscrimination, engine.KindIdentification}

// Session keeps the latest result of each test kind.
type Session struct {
	mu      sync.Mutex
	results map[engine.Kind]engine.Result
}

func NewSession() *Session {
	return &Session{results: make(map[engine.Kind]engine.Result)}
}

func (s *Session) Record(r engine.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.Test] = r
}

// Listener records every completed test.
func (s *Session) Listener() engine.Listener {
	return func(ev engine.Event) {
		if ev.Kind == engine.TestCompleted && ev.Result != nil {
			s.Record(*ev.Result)
		}
	}
}

func (s *Session) Result(k engine.Kind) (engine.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[k]
	return r, ok
}

// Results lists recorded results in threshold, discrimination,
// identification order.
func (s *Session) Results() []engine.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []engine.Result
	for _, k := range order {
		if r, ok := s.results[k]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (s *Session) Scores() Scores {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sc Scores
	if r, ok := s.results[engine.KindThreshold]; ok && r.Defined {
		sc.Threshold = r.Score
		sc.ThresholdDefined = true
	}
	if r, ok := s.results[engine.KindDiscrimination]; ok {
		sc.Discrimination = r.Correct
	}
	if r, ok := s.results[engine.KindIdentification]; ok {
		sc.Identification = r.Correct
	}
	sc.Composite = sc.Threshold + float64(sc.Discrimination) + float64(sc.Identification)
	return sc
}

func (s *Session) Trials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.results {
		n += len(r.Trials)
	}
	return n
}

func (s *Session) Band() Band {
	return Classify(s.Scores().Composite, s.Trials())
}
