package detect

import (
	"fmt"
	"sort"
	"strings"
)

// Linking is the boolean operator joining the alternatives of an item or the
// entries of a detection block.
type Linking int

const (
	LinkOr Linking = iota
	LinkAnd
)

func (l Linking) String() string {
	if l == LinkAnd {
		return "and"
	}
	return "or"
}

// Field is one key/value pair of an ordered detection mapping. Loaders that
// preserve document order produce Fields instead of map[string]any.
type Field struct {
	Key   string
	Value any
}

// Fields is an ordered mapping.
type Fields []Field

// DetectionEntry is either a *DetectionItem or a nested *Detection.
type DetectionEntry interface {
	isDetectionEntry()
}

// DetectionItem is a single field/value predicate. A nil Field makes it a
// keyword item matched against any field.
type DetectionItem struct {
	Field     *string
	Value     Value
	Modifiers []string
	Linking   Linking
}

func (*DetectionItem) isDetectionEntry() {}

// IsKeyword reports whether the item is not bound to a field.
func (d *DetectionItem) IsKeyword() bool { return d.Field == nil }

// FieldName returns the bound field or "" for keyword items.
func (d *DetectionItem) FieldName() string {
	if d.Field == nil {
		return ""
	}
	return *d.Field
}

// Detection is a named block. Its combinator is fixed from the input shape:
// any direct item makes it AND, a pure list of sub-detections is OR.
type Detection struct {
	Name    string
	Entries []DetectionEntry
	Linking Linking
}

func (*Detection) isDetectionEntry() {}

// NewDetection derives the combinator from the entries.
func NewDetection(name string, entries []DetectionEntry) *Detection {
	linking := LinkOr
	for _, e := range entries {
		if _, ok := e.(*DetectionItem); ok {
			linking = LinkAnd
			break
		}
	}
	return &Detection{Name: name, Entries: entries, Linking: linking}
}

// Detections is the set of named blocks of a rule.
type Detections map[string]*Detection

// Names lists block names in sorted order.
func (d Detections) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildOptions controls detection building.
type BuildOptions struct {
	// Registry resolves modifier names; nil uses DefaultRegistry.
	Registry *Registry
	// CollectErrors drops failing items and reports them instead of failing.
	CollectErrors bool
}

// ConditionKey is the detection key holding the condition expression.
const ConditionKey = "condition"

// BuildDetections turns the named blocks of a rule's detection section into
// Detection values. In strict mode the first item error is returned; with
// CollectErrors the failing items are dropped and returned as ItemErrors.
func BuildDetections(raw map[string]any, opts BuildOptions) (Detections, []error, error) {
	b := &builder{registry: opts.Registry, collect: opts.CollectErrors}
	if b.registry == nil {
		b.registry = DefaultRegistry()
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		if name == ConditionKey || name == "timeframe" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	dets := make(Detections, len(names))
	for _, name := range names {
		det, err := b.detection(name, raw[name])
		if err != nil {
			return nil, nil, err
		}
		dets[name] = det
	}
	return dets, b.errs, nil
}

type builder struct {
	registry *Registry
	collect  bool
	errs     []error
}

// fail records err in collect mode and reports whether building continues.
func (b *builder) fail(err error) error {
	if b.collect {
		b.errs = append(b.errs, err)
		return nil
	}
	return err
}

func (b *builder) detection(name string, raw any) (*Detection, error) {
	if fields, ok := orderedFields(raw); ok {
		entries, err := b.mapEntries(name, fields)
		if err != nil {
			return nil, err
		}
		return NewDetection(name, entries), nil
	}

	switch v := raw.(type) {
	case []any:
		return b.listDetection(name, v)
	case nil:
		return nil, &ParseError{Position: -1, Token: name, Reason: "detection block is empty"}
	default:
		item, err := b.item(name, nil, raw)
		if err != nil {
			return nil, err
		}
		var entries []DetectionEntry
		if item != nil {
			entries = append(entries, item)
		}
		return NewDetection(name, entries), nil
	}
}

// listDetection handles a block written as a list: maps become alternative
// sub-detections, plain values form a single keyword item.
func (b *builder) listDetection(name string, list []any) (*Detection, error) {
	var entries []DetectionEntry
	var keywords []any

	for _, el := range list {
		if fields, ok := orderedFields(el); ok {
			sub, err := b.mapEntries(name, fields)
			if err != nil {
				return nil, err
			}
			entries = append(entries, NewDetection(name, sub))
			continue
		}
		keywords = append(keywords, el)
	}

	if len(keywords) > 0 {
		item, err := b.item(name, nil, keywords)
		if err != nil {
			return nil, err
		}
		if item != nil {
			entries = append(entries, item)
		}
	}
	return NewDetection(name, entries), nil
}

func (b *builder) mapEntries(name string, fields Fields) ([]DetectionEntry, error) {
	entries := make([]DetectionEntry, 0, len(fields))
	for _, f := range fields {
		if nested, ok := orderedFields(f.Value); ok {
			sub, err := b.mapEntries(name, nested)
			if err != nil {
				return nil, err
			}
			entries = append(entries, NewDetection(name, sub))
			continue
		}

		field, mods := splitFieldKey(f.Key)
		item, err := b.item(name, &field, f.Value, mods...)
		if err != nil {
			return nil, err
		}
		if item != nil {
			entries = append(entries, item)
		}
	}
	return entries, nil
}

// item builds a DetectionItem. A nil item with a nil error means the item
// failed in collect mode and was dropped.
func (b *builder) item(detection string, field *string, raw any, modNames ...string) (*DetectionItem, error) {
	it, err := NewDetectionItem(field, raw, modNames, b.registry)
	if err != nil {
		fieldName := ""
		if field != nil {
			fieldName = *field
		}
		return nil, b.fail(&ItemError{Detection: detection, Field: fieldName, Err: err})
	}
	return it, nil
}

// NewDetectionItem converts a raw value and applies the named modifiers.
func NewDetectionItem(field *string, raw any, modNames []string, registry *Registry) (*DetectionItem, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}
	fieldName := ""
	if field != nil {
		fieldName = *field
	}

	value, err := FromRaw(raw)
	if err != nil {
		return nil, err
	}
	mods, err := registry.Resolve(fieldName, modNames)
	if err != nil {
		return nil, err
	}

	item := &DetectionItem{Field: field, Modifiers: modNames, Linking: LinkOr}
	for _, m := range mods {
		if linker, ok := m.(ItemLinker); ok {
			item.Linking = linker.Linking()
		}
	}
	item.Value, err = ApplyModifiers(value, mods)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// splitFieldKey splits "field|mod1|mod2".
func splitFieldKey(key string) (string, []string) {
	parts := strings.Split(key, "|")
	var mods []string
	for _, m := range parts[1:] {
		if m = strings.TrimSpace(m); m != "" {
			mods = append(mods, m)
		}
	}
	return strings.TrimSpace(parts[0]), mods
}

// orderedFields returns the mapping entries of v in document order when v is
// Fields, or sorted by key for a plain map.
func orderedFields(v any) (Fields, bool) {
	switch m := v.(type) {
	case Fields:
		return m, true
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make(Fields, len(keys))
		for i, k := range keys {
			fields[i] = Field{Key: k, Value: m[k]}
		}
		return fields, true
	case map[any]any:
		fields := make(Fields, 0, len(m))
		for k, val := range m {
			fields = append(fields, Field{Key: fmt.Sprint(k), Value: val})
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
		return fields, true
	default:
		return nil, false
	}
}

// Condition converts the block into a condition tree. A block whose items
// were all dropped yields nil.
func (d *Detection) Condition() ConditionNode {
	return entriesCondition(d.Entries, d.Linking)
}

func entriesCondition(entries []DetectionEntry, linking Linking) ConditionNode {
	args := make([]ConditionNode, 0, len(entries))
	for _, e := range entries {
		var node ConditionNode
		switch v := e.(type) {
		case *DetectionItem:
			node = v.Condition()
		case *Detection:
			node = v.Condition()
		}
		if node != nil {
			args = append(args, node)
		}
	}
	return join(linking, args)
}

// Condition converts the item into FieldEq / ValueExpr leaves. List values
// become an OR (or AND with the all modifier) over their elements.
func (d *DetectionItem) Condition() ConditionNode {
	exp, ok := d.Value.(Expansion)
	if !ok {
		return d.leaf(d.Value)
	}
	args := make([]ConditionNode, 0, len(exp.Values))
	for _, v := range exp.Values {
		args = append(args, d.leaf(v))
	}
	return join(d.Linking, args)
}

func (d *DetectionItem) leaf(v Value) ConditionNode {
	if d.Field == nil {
		return &ValueExpr{Value: v}
	}
	return &FieldEq{Field: *d.Field, Value: v}
}

// join builds an n-ary node, collapsing the empty and single-child cases.
func join(linking Linking, args []ConditionNode) ConditionNode {
	switch len(args) {
	case 0:
		return nil
	case 1:
		return args[0]
	}
	if linking == LinkAnd {
		return &And{Args: args}
	}
	return &Or{Args: args}
}
