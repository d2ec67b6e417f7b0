package generate

import (
	"context"
	"sync"

	"github.com/ashita-ai/shindan/internal/model"
)

// Scripted is a Generator that replays pre-programmed answers in order.
// Used by orchestrator tests and local development; it never touches the
// network. When a script runs out, the last entry repeats.
type Scripted struct {
	mu sync.Mutex

	Classifications []*Classification
	Decisions       []*Decision
	Verdicts        []*Verdict
	FinalResponse   *model.Response
	Deltas          []string
	Summary         string

	// PerCall is the usage reported by every call.
	PerCall Usage

	// Err, when set, is returned by every call.
	Err error

	classifyCalls   int
	planCalls       int
	verifyCalls     int
	synthesizeCalls int
}

var _ Generator = (*Scripted)(nil)

// Classify implements Generator.
func (s *Scripted) Classify(ctx context.Context, query string) (*Classification, Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, Usage{}, s.Err
	}
	s.classifyCalls++
	if len(s.Classifications) == 0 {
		return &Classification{Intent: "diagnose", Valid: true}, s.PerCall, nil
	}
	return pick(s.Classifications, s.classifyCalls-1), s.PerCall, nil
}

// Plan implements Generator.
func (s *Scripted) Plan(ctx context.Context, req PlanRequest) (*Decision, Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, Usage{}, s.Err
	}
	s.planCalls++
	if len(s.Decisions) == 0 {
		return &Decision{Confident: true}, s.PerCall, nil
	}
	return pick(s.Decisions, s.planCalls-1), s.PerCall, nil
}

// Verify implements Generator.
func (s *Scripted) Verify(ctx context.Context, req VerifyRequest) (*Verdict, Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, Usage{}, s.Err
	}
	s.verifyCalls++
	if len(s.Verdicts) == 0 {
		return &Verdict{Sufficient: true}, s.PerCall, nil
	}
	return pick(s.Verdicts, s.verifyCalls-1), s.PerCall, nil
}

// Synthesize implements Generator.
func (s *Scripted) Synthesize(ctx context.Context, req SynthesizeRequest, onDelta func(delta string)) (*model.Response, Usage, error) {
	s.mu.Lock()
	err := s.Err
	deltas := s.Deltas
	resp := s.FinalResponse
	usage := s.PerCall
	s.synthesizeCalls++
	s.mu.Unlock()

	if err != nil {
		return nil, Usage{}, err
	}
	for _, d := range deltas {
		if onDelta != nil {
			onDelta(d)
		}
	}
	if resp == nil {
		resp = &model.Response{Summary: "no issues found", Confidence: 0.5}
	}
	return resp, usage, nil
}

// Summarize implements Generator.
func (s *Scripted) Summarize(ctx context.Context, evidence []model.Evidence) (string, Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", Usage{}, s.Err
	}
	if s.Summary == "" {
		return "evidence digest", s.PerCall, nil
	}
	return s.Summary, s.PerCall, nil
}

// PlanCalls reports how many planning steps ran.
func (s *Scripted) PlanCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planCalls
}

func pick[T any](script []*T, i int) *T {
	if i >= len(script) {
		return script[len(script)-1]
	}
	return script[i]
}
