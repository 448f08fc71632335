package datastore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

// Filter selects subjects in a Query by inspecting their newest values.
// Filters compose with And and Or; a nil filter matches everything.
type Filter interface {
	matches(ctx context.Context, r Reader, subject string) (bool, error)
}

type andFilter struct{ parts []Filter }

// And matches subjects satisfying every part.
func And(parts ...Filter) Filter {
	return andFilter{parts: parts}
}

func (f andFilter) matches(ctx context.Context, r Reader, subject string) (bool, error) {
	for _, p := range f.parts {
		ok, err := p.matches(ctx, r, subject)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

type orFilter struct{ parts []Filter }

// Or matches subjects satisfying at least one part.
func Or(parts ...Filter) Filter {
	return orFilter{parts: parts}
}

func (f orFilter) matches(ctx context.Context, r Reader, subject string) (bool, error) {
	for _, p := range f.parts {
		ok, err := p.matches(ctx, r, subject)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type hasPredicateFilter struct{ predicate string }

// HasPredicate matches subjects carrying at least one value of the
// predicate.
func HasPredicate(predicate string) Filter {
	return hasPredicateFilter{predicate: predicate}
}

func (f hasPredicateFilter) matches(ctx context.Context, r Reader, subject string) (bool, error) {
	_, err := r.Resolve(ctx, subject, f.predicate)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type predicateContainsFilter struct {
	predicate string
	re        *regexp.Regexp
	err       error
}

// PredicateContains matches subjects whose newest value of the predicate
// matches the regular expression. The expression compiles once here; a
// bad expression surfaces as ErrInvalidFilter at query time.
func PredicateContains(predicate, expr string) Filter {
	re, err := regexp.Compile(expr)
	if err != nil {
		return predicateContainsFilter{err: fmt.Errorf("%w: %v", ErrInvalidFilter, err)}
	}
	return predicateContainsFilter{predicate: predicate, re: re}
}

func (f predicateContainsFilter) matches(ctx context.Context, r Reader, subject string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	rec, err := r.Resolve(ctx, subject, f.predicate)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return f.re.Match(rec.Value), nil
}

type subjectContainsFilter struct {
	re  *regexp.Regexp
	err error
}

// SubjectContains matches subjects whose name matches the regular
// expression.
func SubjectContains(expr string) Filter {
	re, err := regexp.Compile(expr)
	if err != nil {
		return subjectContainsFilter{err: fmt.Errorf("%w: %v", ErrInvalidFilter, err)}
	}
	return subjectContainsFilter{re: re}
}

func (f subjectContainsFilter) matches(ctx context.Context, r Reader, subject string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.re.MatchString(subject), nil
}

type predicateCompareFilter struct {
	predicate string
	value     int64
	less      bool
}

// PredicateLessThan matches subjects whose newest value of the predicate
// parses as an integer below value. Missing or non-integer values do not
// match.
func PredicateLessThan(predicate string, value int64) Filter {
	return predicateCompareFilter{predicate: predicate, value: value, less: true}
}

// PredicateGreaterThan is the mirror of PredicateLessThan.
func PredicateGreaterThan(predicate string, value int64) Filter {
	return predicateCompareFilter{predicate: predicate, value: value}
}

func (f predicateCompareFilter) matches(ctx context.Context, r Reader, subject string) (bool, error) {
	rec, err := r.Resolve(ctx, subject, f.predicate)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	v, err := DecodeInt(rec.Value)
	if err != nil {
		return false, nil
	}
	if f.less {
		return v < f.value, nil
	}
	return v > f.value, nil
}

// EvaluateQuery is the shared Query implementation: scan subjects under
// the prefix, keep the ones the filter accepts, page, and return them in
// ascending order. Implementations without a native query planner call
// this from their Query method.
func EvaluateQuery(ctx context.Context, r Reader, subjectPrefix string, filter Filter, opts QueryOptions) ([]string, error) {
	subjects, err := r.ScanSubjects(ctx, subjectPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to scan subjects: %w", err)
	}
	sort.Strings(subjects)

	var matched []string
	for _, subject := range subjects {
		if filter != nil {
			ok, err := filter.matches(ctx, r, subject)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, subject)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}
