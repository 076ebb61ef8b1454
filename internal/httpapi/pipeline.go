package httpapi

import (
	"net/http"
	"sort"
)

// Stage is one named step of a route's processing pipeline.
type Stage struct {
	Name string
	Wrap func(http.Handler) http.Handler

	rank int
}

// Stage ranks. Lower ranks run first, so a request transaction is always open
// before any identity or role lookup happens.
const (
	rankTransaction = iota
	rankAuthorization
)

// Pipeline is an ordered list of stages.
type Pipeline struct {
	stages []Stage
}

// Compose orders stages by rank regardless of the order they are given in.
// Stages of equal rank keep their relative order.
func Compose(stages ...Stage) Pipeline {
	out := make([]Stage, 0, len(stages))
	for _, s := range stages {
		if s.Wrap != nil {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rank < out[j].rank })
	return Pipeline{stages: out}
}

// Names lists the stages outermost first.
func (p Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Then wraps h so the first stage sees the request first.
func (p Pipeline) Then(h http.Handler) http.Handler {
	for i := len(p.stages) - 1; i >= 0; i-- {
		h = p.stages[i].Wrap(h)
	}
	return h
}
