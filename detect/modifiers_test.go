package detect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyNamed(t *testing.T, v Value, names ...string) (Value, error) {
	t.Helper()
	mods, err := DefaultRegistry().Resolve("field", names)
	require.NoError(t, err)
	return ApplyModifiers(v, mods)
}

func TestWildcardModifiers(t *testing.T) {
	tests := []struct {
		modifier string
		input    string
		want     string
	}{
		{ModifierContains, "evil", "*evil*"},
		{ModifierContains, "*evil", "*evil*"},
		{ModifierContains, "evil*", "*evil*"},
		{ModifierStartsWith, "cmd", "cmd*"},
		{ModifierStartsWith, "cmd*", "cmd*"},
		{ModifierEndsWith, `\cmd.exe`, `*\cmd.exe`},
		{ModifierEndsWith, "*.exe", "*.exe"},
	}

	for _, tt := range tests {
		t.Run(tt.modifier+"/"+tt.input, func(t *testing.T) {
			got, err := applyNamed(t, NewStr(tt.input), tt.modifier)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.(Str).Pattern)
			assert.True(t, got.(Str).Wildcards)
		})
	}
}

func TestContainsIsIdempotent(t *testing.T) {
	once, err := applyNamed(t, NewStr("mimikatz"), ModifierContains)
	require.NoError(t, err)
	twice, err := applyNamed(t, once, ModifierContains)
	require.NoError(t, err)

	assert.True(t, Equal(once, twice))
}

func TestModifierDistributesOverExpansion(t *testing.T) {
	input := NewExpansion(NewStr("a"), NewStr("b"))

	got, err := applyNamed(t, input, ModifierContains)
	require.NoError(t, err)

	want := NewExpansion(NewStr("a").WithLeadingWildcard().WithTrailingWildcard(),
		NewStr("b").WithLeadingWildcard().WithTrailingWildcard())
	assert.True(t, Equal(want, got), "got %v", got)
}

func TestModifierTypeMismatch(t *testing.T) {
	_, err := applyNamed(t, IntNum(5), ModifierContains)

	var typeErr *ModifierTypeError
	require.True(t, errors.As(err, &typeErr))
	assert.Equal(t, ModifierContains, typeErr.Modifier)
	assert.Equal(t, KindNum, typeErr.Actual)
}

func TestModifierTypeCheckUsesFirstExpansionElement(t *testing.T) {
	_, err := applyNamed(t, NewExpansion(IntNum(1), NewStr("a")), ModifierContains)

	var typeErr *ModifierTypeError
	require.True(t, errors.As(err, &typeErr))
	assert.Equal(t, KindNum, typeErr.Actual)
}

func TestCompareModifiers(t *testing.T) {
	tests := []struct {
		modifier string
		op       CompareOp
	}{
		{ModifierLessThan, OpLT},
		{ModifierLessThanOrEqual, OpLTE},
		{ModifierGreaterThan, OpGT},
		{ModifierGreaterThanOrEqual, OpGTE},
	}

	for _, tt := range tests {
		t.Run(tt.modifier, func(t *testing.T) {
			got, err := applyNamed(t, IntNum(10), tt.modifier)
			require.NoError(t, err)
			assert.Equal(t, Compare{Op: tt.op, Number: IntNum(10)}, got)
		})
	}

	_, err := applyNamed(t, NewStr("10"), ModifierGreaterThan)
	var typeErr *ModifierTypeError
	assert.True(t, errors.As(err, &typeErr))
}

func TestAllModifierKeepsValue(t *testing.T) {
	v := NewExpansion(NewStr("a"), NewStr("b"))
	got, err := applyNamed(t, v, ModifierAll)
	require.NoError(t, err)
	assert.True(t, Equal(v, got))

	m, ok := DefaultRegistry().Lookup(ModifierAll)
	require.True(t, ok)
	linker, ok := m.(ItemLinker)
	require.True(t, ok)
	assert.Equal(t, LinkAnd, linker.Linking())
}

func TestRegexModifier(t *testing.T) {
	got, err := applyNamed(t, NewStr(`(?i)powershell.*-enc\s`), ModifierRegex)
	require.NoError(t, err)
	assert.Equal(t, Regex{Pattern: `(?i)powershell.*-enc\s`}, got)

	_, err = applyNamed(t, NewStr(`(unclosed`), ModifierRegex)
	var reErr *RegexEscapeError
	assert.True(t, errors.As(err, &reErr))
}

func TestCIDRModifier(t *testing.T) {
	got, err := applyNamed(t, NewStr("192.168.0.0/16"), ModifierCIDR)
	require.NoError(t, err)
	assert.Equal(t, Cidr{Block: "192.168.0.0/16"}, got)

	var valueErr *ValueError
	_, err = applyNamed(t, NewStr("192.168.0.0/40"), ModifierCIDR)
	assert.True(t, errors.As(err, &valueErr))

	_, err = applyNamed(t, NewStr("192.168.*"), ModifierCIDR)
	assert.True(t, errors.As(err, &valueErr))
}

func TestBase64Modifiers(t *testing.T) {
	got, err := applyNamed(t, NewStr("foo"), ModifierBase64)
	require.NoError(t, err)
	assert.Equal(t, "Zm9v", got.(Str).Pattern)

	offsets, err := applyNamed(t, NewStr("foo"), ModifierBase64Offset)
	require.NoError(t, err)
	assert.Equal(t, "[Zm9v, Zvb, mb2]", offsets.String())

	offsets, err = applyNamed(t, NewStr("ab"), ModifierBase64Offset)
	require.NoError(t, err)
	assert.Equal(t, "[YW, Fi, hY]", offsets.String())
}

func TestBase64OffsetThenContains(t *testing.T) {
	got, err := applyNamed(t, NewStr("cmd"), ModifierBase64Offset, ModifierContains)
	require.NoError(t, err)
	assert.Equal(t, "[*Y21k*, *NtZ*, *jbW*]", got.String())
}

func TestUTF16Modifiers(t *testing.T) {
	tests := []struct {
		modifier string
		input    string
		want     string
	}{
		{ModifierWide, "ab", "a\x00b\x00"},
		{ModifierUTF16LE, "ab", "a\x00b\x00"},
		{ModifierUTF16BE, "ab", "\x00a\x00b"},
		{ModifierUTF16, "a", "\xff\xfea\x00"},
		{ModifierWide, "*ab", "*a\x00b\x00"},
	}

	for _, tt := range tests {
		t.Run(tt.modifier+"/"+tt.input, func(t *testing.T) {
			got, err := applyNamed(t, NewStr(tt.input), tt.modifier)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.(Str).Pattern)
		})
	}
}

func TestWindashModifier(t *testing.T) {
	got, err := applyNamed(t, NewStr("-enc"), ModifierWindash)
	require.NoError(t, err)
	assert.Equal(t, "[-enc, /enc, –enc, —enc, ―enc]", got.String())

	got, err = applyNamed(t, NewStr("powershell -nop -w hidden"), ModifierWindash)
	require.NoError(t, err)
	exp := got.(Expansion)
	require.Len(t, exp.Values, 5)
	assert.Equal(t, "powershell /nop /w hidden", exp.Values[1].String())

	unchanged, err := applyNamed(t, NewStr("well-known"), ModifierWindash)
	require.NoError(t, err)
	assert.Equal(t, NewStr("well-known"), unchanged)
}

func TestRegistryResolveUnknownModifier(t *testing.T) {
	_, err := DefaultRegistry().Resolve("Image", []string{ModifierContains, "bogus"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedModifier))

	var unknown *UnknownModifierError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "bogus", unknown.Modifier)
	assert.Equal(t, "Image", unknown.Field)
}

type upperModifier struct{}

func (upperModifier) Name() string    { return "upper" }
func (upperModifier) Accepts() []Kind { return []Kind{KindStr} }
func (upperModifier) Apply(v Value) (Value, error) {
	return v.(Str).MapLiterals(func(s string) string {
		out := []byte(s)
		for i, c := range out {
			if c >= 'a' && c <= 'z' {
				out[i] = c - 'a' + 'A'
			}
		}
		return string(out)
	}), nil
}

func TestRegistryRegisterCustomModifier(t *testing.T) {
	reg := DefaultRegistry()
	reg.Register(upperModifier{})

	mods, err := reg.Resolve("f", []string{"upper", ModifierContains})
	require.NoError(t, err)

	got, err := ApplyModifiers(NewStr("abc"), mods)
	require.NoError(t, err)
	assert.Equal(t, "*ABC*", got.(Str).Pattern)
	assert.Contains(t, reg.Names(), "upper")
}
