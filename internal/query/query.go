// Package query filters, searches, sorts and paginates artifact listings.
//
// Every function is generic over the artifact type and leaves its input
// slice untouched.
package query

import (
	"encoding/json"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kensa/internal/apperr"
)

// Identified is satisfied by every artifact.
type Identified interface {
	GetID() string
}

// Tagged is satisfied by artifacts that carry tags.
type Tagged interface {
	TagList() []string
}

// Categorized is satisfied by artifacts that carry categories.
type Categorized interface {
	CategoryList() []string
}

// Options collects every listing control. Zero values disable the
// corresponding step.
type Options struct {
	IDs               []string
	Tags              string
	IncludeCategories []string
	ExcludeCategories []string
	Find              string
	Sort              string
	Page              int
	Size              int
	Paginate          bool
}

// Apply runs the full listing pipeline: id filter, tag filter, category
// filter, keyword search, sort, pagination. Without an explicit sort the
// result is ordered by id.
func Apply[T Identified](items []T, opts Options) ([]Item[T], error) {
	out := FilterByIDs(items, opts.IDs)
	var err error
	if opts.Tags != "" {
		if out, err = FilterByTags(out, opts.Tags); err != nil {
			return nil, err
		}
	}
	if len(opts.IncludeCategories) > 0 || len(opts.ExcludeCategories) > 0 {
		if out, err = FilterByCategories(out, opts.IncludeCategories, opts.ExcludeCategories); err != nil {
			return nil, err
		}
	}
	if opts.Find != "" {
		out = FindByKeyword(out, opts.Find)
	}
	sortKey := opts.Sort
	if sortKey == "" {
		sortKey = "id"
	}
	out = SortBy(out, sortKey)

	if opts.Paginate {
		return Paginate(out, opts.Page, opts.Size)
	}
	return Undecorated(out), nil
}

// FilterByIDs keeps items whose id is in ids. An empty ids list keeps all.
func FilterByIDs[T Identified](items []T, ids []string) []T {
	if len(ids) == 0 {
		return slices.Clone(items)
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]T, 0, len(ids))
	for _, it := range items {
		if _, ok := want[it.GetID()]; ok {
			out = append(out, it)
		}
	}
	return out
}

// FilterByTags keeps items matching a tag expression. The expression is a
// comma-separated list of alternatives; each alternative is a "+"-joined
// list of terms that must all hold; a term "!t" requires t to be absent.
// Matching is case-insensitive.
func FilterByTags[T any](items []T, expr string) ([]T, error) {
	alts, err := parseTagExpr(expr)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for _, it := range items {
		tagged, ok := any(it).(Tagged)
		if !ok {
			return nil, apperr.New(apperr.Validation, "", "this artifact kind cannot be filtered by tags")
		}
		if matchTags(alts, tagged.TagList()) {
			out = append(out, it)
		}
	}
	return out, nil
}

type tagTerm struct {
	tag    string
	negate bool
}

func parseTagExpr(expr string) ([][]tagTerm, error) {
	var alts [][]tagTerm
	for _, alt := range strings.Split(expr, ",") {
		var terms []tagTerm
		for _, raw := range strings.Split(alt, "+") {
			raw = strings.TrimSpace(raw)
			neg := strings.HasPrefix(raw, "!")
			tag := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(raw, "!")))
			if tag == "" {
				return nil, apperr.New(apperr.Validation, "", "malformed tag expression %q", expr)
			}
			terms = append(terms, tagTerm{tag: tag, negate: neg})
		}
		alts = append(alts, terms)
	}
	return alts, nil
}

func matchTags(alts [][]tagTerm, tags []string) bool {
	have := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		have[strings.ToLower(t)] = struct{}{}
	}
	for _, terms := range alts {
		ok := true
		for _, term := range terms {
			if _, present := have[term.tag]; present == term.negate {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// FilterByCategories keeps items having at least one category from include
// (when include is non-empty) and none from exclude. Matching is
// case-insensitive.
func FilterByCategories[T any](items []T, include, exclude []string) ([]T, error) {
	inc := lowerSet(include)
	exc := lowerSet(exclude)
	out := make([]T, 0, len(items))
	for _, it := range items {
		c, ok := any(it).(Categorized)
		if !ok {
			return nil, apperr.New(apperr.Validation, "", "this artifact kind cannot be filtered by categories")
		}
		matched := len(inc) == 0
		excluded := false
		for _, cat := range c.CategoryList() {
			cat = strings.ToLower(cat)
			if _, ok := inc[cat]; ok {
				matched = true
			}
			if _, ok := exc[cat]; ok {
				excluded = true
			}
		}
		if matched && !excluded {
			out = append(out, it)
		}
	}
	return out, nil
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}

// FindByKeyword keeps items where any top-level string field contains
// keyword, ignoring case.
func FindByKeyword[T any](items []T, keyword string) []T {
	kw := strings.ToLower(keyword)
	out := make([]T, 0, len(items))
	for _, it := range items {
		if containsKeyword(reflect.ValueOf(it), kw) {
			out = append(out, it)
		}
	}
	return out
}

func containsKeyword(v reflect.Value, kw string) bool {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.String:
		return strings.Contains(strings.ToLower(v.String()), kw)
	case reflect.Struct:
		t := v.Type()
		for i := range v.NumField() {
			if !t.Field(i).IsExported() || v.Field(i).Kind() != reflect.String {
				continue
			}
			if strings.Contains(strings.ToLower(v.Field(i).String()), kw) {
				return true
			}
		}
	}
	return false
}

// SortBy stably sorts items ascending by the top-level field whose JSON name
// (or Go name, case-insensitively) is key. Strings sort lexicographically,
// numbers numerically, times chronologically. Unknown keys leave the order
// unchanged.
func SortBy[T any](items []T, key string) []T {
	out := slices.Clone(items)
	if len(out) < 2 {
		return out
	}
	idx, ok := fieldIndex(reflect.TypeOf(out[0]), key)
	if !ok {
		return out
	}
	slices.SortStableFunc(out, func(a, b T) int {
		return compareValues(fieldValue(a, idx), fieldValue(b, idx))
	})
	return out
}

func fieldIndex(t reflect.Type, key string) (int, bool) {
	if t == nil {
		return 0, false
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return 0, false
	}
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == key || strings.EqualFold(f.Name, key) {
			if sortable(f.Type) {
				return i, true
			}
			return 0, false
		}
	}
	return 0, false
}

var timeType = reflect.TypeOf(time.Time{})

func sortable(t reflect.Type) bool {
	if t == timeType {
		return true
	}
	switch t.Kind() {
	case reflect.String, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func fieldValue(v any, idx int) reflect.Value {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	return rv.Field(idx)
}

func compareValues(a, b reflect.Value) int {
	if a.Type() == timeType {
		return a.Interface().(time.Time).Compare(b.Interface().(time.Time))
	}
	switch a.Kind() {
	case reflect.String:
		return strings.Compare(a.String(), b.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cmpOrdered(a.Int(), b.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return cmpOrdered(a.Uint(), b.Uint())
	case reflect.Float32, reflect.Float64:
		return cmpOrdered(a.Float(), b.Float())
	}
	return 0
}

func cmpOrdered[N int64 | uint64 | float64](a, b N) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Item is a listed value, optionally decorated with its 1-based position in
// a page.
type Item[T any] struct {
	Idx   int
	Value T
}

// MarshalJSON merges "idx" into the value's object form. A zero Idx is
// omitted. Non-object values are wrapped as {"idx": n, "value": v}.
func (it Item[T]) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(it.Value)
	if err != nil {
		return nil, err
	}
	if it.Idx == 0 {
		return raw, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return json.Marshal(struct {
			Idx   int             `json:"idx"`
			Value json.RawMessage `json:"value"`
		}{it.Idx, raw})
	}
	obj["idx"] = json.RawMessage(strconv.Itoa(it.Idx))
	return json.Marshal(obj)
}

// Undecorated wraps items without page positions.
func Undecorated[T any](items []T) []Item[T] {
	out := make([]Item[T], len(items))
	for i, v := range items {
		out[i] = Item[T]{Value: v}
	}
	return out
}

// Values unwraps items.
func Values[T any](items []Item[T]) []T {
	out := make([]T, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out
}

// Paginate returns page number page (1-indexed) of size elements, each
// decorated with its 1-based position within the page. A page past the end
// is empty.
func Paginate[T any](items []T, page, size int) ([]Item[T], error) {
	if page < 1 || size < 1 {
		return nil, apperr.New(apperr.Validation, "", "invalid pagination (%d, %d): page and size must be at least 1", page, size)
	}
	// A start offset that does not fit an int lies past the end of any slice.
	if page-1 > math.MaxInt/size {
		return []Item[T]{}, nil
	}
	start := (page - 1) * size
	if start >= len(items) {
		return []Item[T]{}, nil
	}
	end := min(start+size, len(items))
	out := make([]Item[T], 0, end-start)
	for i, v := range items[start:end] {
		out = append(out, Item[T]{Idx: i + 1, Value: v})
	}
	return out, nil
}

// ParsePagination parses "(page, size)". Brackets are optional; exactly two
// integers are required.
func ParsePagination(s string) (page, size int, err error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "("), "[")
	trimmed = strings.TrimSuffix(strings.TrimSuffix(trimmed, ")"), "]")
	parts := strings.Split(trimmed, ",")
	if len(parts) != 2 {
		return 0, 0, apperr.New(apperr.Validation, "", "pagination %q must contain exactly two integers", s)
	}
	vals := make([]int, 2)
	for i, p := range parts {
		n, convErr := strconv.Atoi(strings.TrimSpace(p))
		if convErr != nil {
			return 0, 0, apperr.New(apperr.Validation, "", "pagination %q must contain exactly two integers", s)
		}
		vals[i] = n
	}
	if vals[0] < 1 || vals[1] < 1 {
		return 0, 0, apperr.New(apperr.Validation, "", "invalid pagination (%d, %d): page and size must be at least 1", vals[0], vals[1])
	}
	return vals[0], vals[1], nil
}
