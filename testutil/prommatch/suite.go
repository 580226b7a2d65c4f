package prommatch

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type assertion struct {
	matcher *Matcher
	message string
	present bool
}

// Suite is a list of assertions to run against a set of metrics.
type Suite []assertion

// MustContain a series which will match the provided matcher.
func (ms Suite) MustContain(message string, m *Matcher) Suite {
	return append(ms, assertion{matcher: m, message: message, present: true})
}

// MustNotContain a series which will match the provided matcher.
func (ms Suite) MustNotContain(message string, m *Matcher) Suite {
	return append(ms, assertion{matcher: m, message: message, present: false})
}

// CheckString runs each assertion against metrics in the text format.
func (ms Suite) CheckString(metrics string) error {
	return ms.check(func(m *Matcher) (bool, error) { return m.HasMatchInString(metrics) })
}

// Check runs each assertion against the metrics gathered from g.
func (ms Suite) Check(g prometheus.Gatherer) error {
	return ms.check(func(m *Matcher) (bool, error) { return m.HasMatchIn(g) })
}

func (ms Suite) check(hasMatch func(*Matcher) (bool, error)) error {
	for _, a := range ms {
		ok, err := hasMatch(a.matcher)
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", a.matcher, err)
		}
		if a.present && !ok {
			return fmt.Errorf("expected to find %s", a.message)
		}
		if !a.present && ok {
			return fmt.Errorf("expected not to find %s", a.message)
		}
	}
	return nil
}
