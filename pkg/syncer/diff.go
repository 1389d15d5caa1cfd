package syncer

import (
	"encoding/json"
	"fmt"
	"sort"
)

// valueKind is the underlying type of a payload node, used to distinguish
// value mismatches from type mismatches. All numbers share one kind so an
// int-decoded 3 never conflicts on type with a float-decoded 3.0.
type valueKind string

const (
	kindNull   valueKind = "null"
	kindBool   valueKind = "bool"
	kindNumber valueKind = "number"
	kindString valueKind = "string"
	kindArray  valueKind = "array"
	kindObject valueKind = "object"
	kindOther  valueKind = "other"
)

func kindOf(v interface{}) valueKind {
	switch v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return kindNumber
	case string:
		return kindString
	case []interface{}:
		return kindArray
	case map[string]interface{}:
		return kindObject
	}
	return kindOther
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// fingerprint renders a value into a canonical string: object keys are
// sorted (encoding/json already does this) and array elements are sorted by
// their own fingerprints, making container comparison order-independent.
func fingerprint(v interface{}) string {
	switch t := v.(type) {
	case []interface{}:
		parts := make([]string, len(t))
		for i, el := range t {
			parts[i] = fingerprint(el)
		}
		sort.Strings(parts)
		return fmt.Sprintf("[%v]", parts)
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ":" + fingerprint(t[k])
		}
		return fmt.Sprintf("{%v}", parts)
	default:
		if n, ok := asNumber(v); ok {
			return fmt.Sprintf("n(%v)", n)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("!(%v)", v)
		}
		return string(b)
	}
}

func deepEqual(a, b interface{}) bool {
	return fingerprint(a) == fingerprint(b)
}

// diff walks both payloads and collects the three conflict classes.
// Traversal order is sorted by key so identical inputs always yield
// identical conflict lists.
func diff(cfg Config, rt, comp map[string]interface{}) []Conflict {
	var out []Conflict
	diffObjects(cfg, "", rt, comp, &out)
	return out
}

func diffObjects(cfg Config, prefix string, rt, comp map[string]interface{}, out *[]Conflict) {
	keys := make(map[string]struct{}, len(rt)+len(comp))
	for k := range rt {
		keys[k] = struct{}{}
	}
	for k := range comp {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if cfg.ignored(path, k) {
			continue
		}
		rv, rok := rt[k]
		cv, cok := comp[k]

		switch {
		case rok && !cok:
			*out = append(*out, newConflict(cfg, path, k, rv, nil, ConflictMissingField))
		case !rok && cok:
			*out = append(*out, newConflict(cfg, path, k, nil, cv, ConflictMissingField))
		default:
			diffValues(cfg, path, k, rv, cv, out)
		}
	}
}

func diffValues(cfg Config, path, field string, rv, cv interface{}, out *[]Conflict) {
	rk, ck := kindOf(rv), kindOf(cv)
	if rk != ck {
		*out = append(*out, newConflict(cfg, path, field, rv, cv, ConflictTypeMismatch))
		return
	}

	switch rk {
	case kindObject:
		diffObjects(cfg, path, rv.(map[string]interface{}), cv.(map[string]interface{}), out)
	case kindArray:
		if !deepEqual(rv, cv) {
			*out = append(*out, newConflict(cfg, path, field, rv, cv, ConflictValueMismatch))
		}
	default:
		if !deepEqual(rv, cv) {
			*out = append(*out, newConflict(cfg, path, field, rv, cv, ConflictValueMismatch))
		}
	}
}

func newConflict(cfg Config, path, field string, rv, cv interface{}, ct ConflictType) Conflict {
	return Conflict{
		// Deterministic id: a rerun over the same inputs yields the same
		// conflict identities.
		ID:                 "conflict:" + path,
		FieldPath:          path,
		RealTimeValue:      rv,
		ComprehensiveValue: cv,
		Type:               ct,
		Severity:           severityFor(cfg, ct, cfg.critical(field) || cfg.critical(path)),
	}
}

func severityFor(cfg Config, ct ConflictType, critical bool) Severity {
	switch ct {
	case ConflictTypeMismatch:
		if critical {
			return SeverityCritical
		}
		return SeverityHigh
	case ConflictMissingField:
		if critical {
			return SeverityHigh
		}
		return SeverityLow
	default: // value_mismatch
		if critical {
			return SeverityHigh
		}
		return SeverityMedium
	}
}

// countLeafFields counts scalar and array leaves across the union of both
// payloads, excluding ignored fields. Used as the denominator of the
// consistency score.
func countLeafFields(cfg Config, prefix string, rt, comp map[string]interface{}) int {
	keys := make(map[string]struct{}, len(rt)+len(comp))
	for k := range rt {
		keys[k] = struct{}{}
	}
	for k := range comp {
		keys[k] = struct{}{}
	}

	n := 0
	for k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if cfg.ignored(path, k) {
			continue
		}
		rv, rok := rt[k]
		cv, cok := comp[k]
		rm, rIsMap := rv.(map[string]interface{})
		cm, cIsMap := cv.(map[string]interface{})
		switch {
		case rok && cok && rIsMap && cIsMap:
			n += countLeafFields(cfg, path, rm, cm)
		case rok && rIsMap && !cok:
			n += countLeafFields(cfg, path, rm, nil)
		case cok && cIsMap && !rok:
			n += countLeafFields(cfg, path, nil, cm)
		default:
			n++
		}
	}
	return n
}
