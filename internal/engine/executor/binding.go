package executor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	libinjection "github.com/corazawaf/libinjection-go"

	"qms-assistant/internal/engine/extractor"
	"qms-assistant/internal/engine/sqltemplate"
	"qms-assistant/internal/models"
)

// BoundQuery is a rule's template rewritten to driver placeholders together
// with its arguments in placeholder order.
type BoundQuery struct {
	RuleID int64
	SQL    string
	Args   []interface{}
	// Params holds the bound values by parameter name; it feeds the cache signature.
	Params map[string]interface{}
}

// ParamError names the parameter that could not be bound. It unwraps to
// ErrMissingParameter or ErrInvalidParameter.
type ParamError struct {
	Param  string
	Reason string
	err    error
}

func (e *ParamError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: %s", e.err, e.Param)
	}
	return fmt.Sprintf("%v: %s: %s", e.err, e.Param, e.Reason)
}

func (e *ParamError) Unwrap() error { return e.err }

func missing(p models.ParameterSpec) error {
	return &ParamError{Param: p.Name, err: ErrMissingParameter}
}

func invalidParam(p models.ParameterSpec, format string, args ...interface{}) error {
	return &ParamError{Param: p.Name, Reason: fmt.Sprintf(format, args...), err: ErrInvalidParameter}
}

var timestampLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

// Bind resolves every ParameterSpec entry from entities, in declaration order.
func (e *Executor) Bind(rule models.IntentRule, entities models.EntityMap) (BoundQuery, error) {
	q := BoundQuery{
		RuleID: rule.ID,
		Args:   make([]interface{}, 0, len(rule.ParameterSpec)),
		Params: make(map[string]interface{}, len(rule.ParameterSpec)),
	}
	order := make([]string, 0, len(rule.ParameterSpec))

	for _, p := range rule.ParameterSpec {
		v, err := e.bindOne(p, entities)
		if err != nil {
			return BoundQuery{}, err
		}
		q.Args = append(q.Args, v)
		q.Params[p.Name] = v
		order = append(order, p.Name)
	}

	sql, err := sqltemplate.Rewrite(rule.QueryTemplate, order)
	if err != nil {
		return BoundQuery{}, fmt.Errorf("%w: rule %d: %v", ErrQueryFailed, rule.ID, err)
	}
	q.SQL = sql
	return q, nil
}

func (e *Executor) bindOne(p models.ParameterSpec, entities models.EntityMap) (interface{}, error) {
	entity, ok := entities.Get(p.EntityType())
	if !ok {
		if !p.Optional {
			return nil, missing(p)
		}
		return e.fallback(p)
	}

	if p.EntityType() == models.EntityTimeRange {
		from, to, err := extractor.ResolveTimeRange(entity.Value, e.now())
		if err != nil {
			return nil, invalidParam(p, "%v", err)
		}
		bound := from
		if p.ExtractionSource == models.SourceTimeRangeTo {
			bound = to
		}
		return coerceTime(p, bound)
	}

	// Entity values are dictionary canonical values and always travel as
	// placeholders; this screens the dictionaries themselves.
	if !e.cfg.DisableInjectionCheck {
		if isSQLi, fingerprint := libinjection.IsSQLi(entity.Value); isSQLi {
			return nil, invalidParam(p, "suspicious value (fingerprint %s)", fingerprint)
		}
	}
	return coerce(p, entity.Value)
}

// fallback is the value of an optional parameter nothing was extracted for.
func (e *Executor) fallback(p models.ParameterSpec) (interface{}, error) {
	if p.Default != nil {
		if p.Type == models.ParamTypePattern {
			return fmt.Sprint(p.Default), nil
		}
		return coerce(p, fmt.Sprint(p.Default))
	}
	if p.Type == models.ParamTypePattern {
		return "%", nil
	}
	return nil, nil
}

func coerce(p models.ParameterSpec, raw string) (interface{}, error) {
	value := strings.TrimSpace(raw)
	invalid := func(format string, args ...interface{}) error {
		return invalidParam(p, format, args...)
	}

	switch p.Type {
	case models.ParamTypeString:
		return value, nil
	case models.ParamTypePattern:
		return "%" + escapeLike(value) + "%", nil
	case models.ParamTypeInteger:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, invalid("%q is not an integer", value)
		}
		return n, nil
	case models.ParamTypeDecimal:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, invalid("%q is not a number", value)
		}
		return f, nil
	case models.ParamTypeDate:
		d, err := time.Parse("2006-01-02", value)
		if err != nil {
			return nil, invalid("%q is not a date", value)
		}
		return d, nil
	case models.ParamTypeTimestamp:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, value); err == nil {
				return ts, nil
			}
		}
		return nil, invalid("%q is not a timestamp", value)
	}
	return nil, invalid("unsupported type %q", p.Type)
}

func coerceTime(p models.ParameterSpec, t time.Time) (interface{}, error) {
	switch p.Type {
	case models.ParamTypeDate, models.ParamTypeTimestamp:
		return t, nil
	case models.ParamTypeString:
		return t.Format("2006-01-02"), nil
	}
	return nil, invalidParam(p, "a time range cannot bind to type %s", p.Type)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
