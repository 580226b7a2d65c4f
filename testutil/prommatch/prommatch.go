// Package prommatch checks whether Prometheus metrics contain a specific
// series, in a style close to PromQL selectors. Where PromQL reads
//
//	rescued_responses_total{reason="no_route", code=~"4.."}
//
// a test writes
//
//	prommatch.NewMatcher("rescued_responses_total", prommatch.Labels{
//		"reason": prommatch.Equals("no_route"),
//		"code":   prommatch.Like(regexp.MustCompile(`4..`)),
//	})
package prommatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// expression can match or reject one sample.
type expression interface {
	matches(s *model.Sample) bool
}

type funcMatcher func(s *model.Sample) bool

func (f funcMatcher) matches(s *model.Sample) bool {
	return f(s)
}

type labelMatcher func(string) bool

// Labels matches samples whose labels all satisfy the given matchers.
type Labels map[string]labelMatcher

func (l Labels) matches(s *model.Sample) bool {
	for k, m := range l {
		if !m(string(s.Metric[model.LabelName(k)])) {
			return false
		}
	}
	return true
}

// Matcher selects samples of one metric.
type Matcher struct {
	name        string
	expressions []expression
}

// NewMatcher matches samples named name that satisfy every expression.
// Histogram and summary samples carry their _bucket, _sum and _count
// suffixes.
func NewMatcher(name string, es ...expression) *Matcher {
	return &Matcher{name: name, expressions: es}
}

func (m *Matcher) String() string {
	return m.name
}

// HasMatchInString reports whether metrics, in the text exposition format,
// contain a matching sample.
func (m *Matcher) HasMatchInString(metrics string) (bool, error) {
	var p expfmt.TextParser
	families, err := p.TextToMetricFamilies(strings.NewReader(metrics))
	if err != nil {
		return false, fmt.Errorf("failed to parse input as metrics: %w", err)
	}
	mfs := make([]*dto.MetricFamily, 0, len(families))
	for _, mf := range families {
		mfs = append(mfs, mf)
	}
	return m.hasMatch(mfs)
}

// HasMatchIn reports whether g currently holds a matching sample.
func (m *Matcher) HasMatchIn(g prometheus.Gatherer) (bool, error) {
	mfs, err := g.Gather()
	if err != nil {
		return false, fmt.Errorf("failed to gather metrics: %w", err)
	}
	return m.hasMatch(mfs)
}

func (m *Matcher) hasMatch(mfs []*dto.MetricFamily) (bool, error) {
	v, err := expfmt.ExtractSamples(&expfmt.DecodeOptions{Timestamp: model.Now()}, mfs...)
	if err != nil {
		return false, fmt.Errorf("failed to extract samples: %w", err)
	}
	for _, s := range v {
		if m.sampleMatches(s) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Matcher) sampleMatches(s *model.Sample) bool {
	if s.Metric[model.MetricNameLabel] != model.LabelValue(m.name) {
		return false
	}
	for _, e := range m.expressions {
		if !e.matches(s) {
			return false
		}
	}
	return true
}

// Equals matches a label with exactly the expected value.
func Equals(expected string) labelMatcher {
	return func(s string) bool {
		return expected == s
	}
}

// Like matches a label whose value matches re.
func Like(re *regexp.Regexp) labelMatcher {
	return func(s string) bool {
		return re.MatchString(s)
	}
}

// Absent matches samples without the label.
func Absent() labelMatcher {
	return func(s string) bool {
		return s == ""
	}
}

// HasValueLike matches samples whose value satisfies f.
func HasValueLike(f func(float64) bool) expression {
	return funcMatcher(func(s *model.Sample) bool {
		return f(float64(s.Value))
	})
}

// HasValue matches samples with exactly the value v.
func HasValue(v float64) expression {
	return HasValueLike(func(f float64) bool { return f == v })
}

// HasPositiveValue matches samples with a value above zero.
func HasPositiveValue() expression {
	return HasValueLike(func(f float64) bool { return f > 0 })
}
