package script

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fontbridge/internal/literal"
	"github.com/mattjoyce/fontbridge/internal/validate"
)

const renameBody = `glyph = _glyph(font, {{name}})
old = glyph.name
glyph.name = {{new_name}}
_mutated = True
data = {"old_name": old, "new_name": glyph.name}
`

var renameSpecs = []validate.Spec{
	{Name: "name", Type: validate.TypeGlyphName, Required: true},
	{Name: "new_name", Type: validate.TypeText, Required: true},
}

func literals(t testing.TB, specs []validate.Spec, raw map[string]any) (map[string]literal.Text, bool) {
	t.Helper()
	set, err := validate.New(validate.Options{}).Params(specs, raw)
	if err != nil {
		return nil, false
	}
	lits, err := literal.EncodeSet(set)
	require.NoError(t, err)
	return lits, true
}

func TestSynthesize(t *testing.T) {
	lits, ok := literals(t, renameSpecs, map[string]any{"name": "A", "new_name": "A.alt"})
	require.True(t, ok)

	prog, err := Synthesize("rename_glyph", renameBody, lits)
	require.NoError(t, err)

	assert.Equal(t, "rename_glyph", prog.Operation)
	assert.True(t, strings.HasPrefix(prog.Digest, "blake3:"))
	assert.Contains(t, prog.Source, `        glyph = _glyph(font, "A")`)
	assert.Contains(t, prog.Source, `        glyph.name = "A.alt"`)
	assert.Contains(t, prog.Source, `"category": "NoActiveContextError"`)
	assert.Contains(t, prog.Source, "json.dump(payload, handle, default=str)")
	assert.NotContains(t, prog.Source, "{{")

	again, err := Synthesize("rename_glyph", renameBody, lits)
	require.NoError(t, err)
	assert.Equal(t, prog.Digest, again.Digest)
}

func TestSynthesizeSlotMismatch(t *testing.T) {
	lits, ok := literals(t, renameSpecs, map[string]any{"name": "A", "new_name": "B"})
	require.True(t, ok)

	partial := map[string]literal.Text{"name": lits["name"]}
	_, err := Synthesize("rename_glyph", renameBody, partial)
	assert.True(t, errors.Is(err, ErrUnfilledSlot))

	extra := map[string]literal.Text{"name": lits["name"], "new_name": lits["new_name"], "evil": lits["name"]}
	_, err = Synthesize("rename_glyph", renameBody, extra)
	assert.True(t, errors.Is(err, ErrUnusedLiteral))

	zero := map[string]literal.Text{"name": lits["name"], "new_name": {}}
	_, err = Synthesize("rename_glyph", renameBody, zero)
	assert.True(t, errors.Is(err, ErrUnfilledSlot))
}

func TestCheckTemplate(t *testing.T) {
	assert.NoError(t, CheckTemplate(renameBody))
	assert.ErrorIs(t, CheckTemplate("  \n"), ErrMalformedTemplate)
	assert.ErrorIs(t, CheckTemplate("if x:\n\tdata = 1"), ErrMalformedTemplate)
	assert.ErrorIs(t, CheckTemplate("data = {{Name}}"), ErrMalformedTemplate)
	assert.ErrorIs(t, CheckTemplate("data = {{ name }}"), ErrMalformedTemplate)
}

func TestSlots(t *testing.T) {
	assert.Equal(t, []string{"name", "new_name"}, Slots(renameBody))
	assert.Equal(t, []string{"a"}, Slots("x = {{a}} + {{a}}"))
	assert.Empty(t, Slots("data = font.info.familyName"))
}

// shape reduces a program to its statement structure by blanking the
// contents of double-quoted string literals.
func shape(src string) []string {
	lines := strings.Split(src, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		var b strings.Builder
		inString := false
		for j := 0; j < len(line); j++ {
			c := line[j]
			switch {
			case inString && c == '\\':
				j++
			case c == '"':
				inString = !inString
				b.WriteByte(c)
			case !inString:
				b.WriteByte(c)
			}
		}
		out[i] = b.String()
	}
	return out
}

var injectionPayloads = []string{
	`A"); import os; os.system('id'); ("`,
	"A\nimport os",
	`A\`,
	`\"`,
	"A' + __import__('os').system('id') + '",
	`"""`,
	"# comment",
	"\x00",
	"\r\n\u2028\u2029",
	"{{name}}",
	"ﬁ𝔸é",
}

func TestStructuralInvariance(t *testing.T) {
	base, ok := literals(t, renameSpecs, map[string]any{"name": "A", "new_name": "B"})
	require.True(t, ok)
	baseProg, err := Synthesize("rename_glyph", renameBody, base)
	require.NoError(t, err)
	want := shape(baseProg.Source)

	for _, payload := range injectionPayloads {
		lits, ok := literals(t, renameSpecs, map[string]any{"name": "A", "new_name": payload})
		if !ok {
			continue
		}
		prog, err := Synthesize("rename_glyph", renameBody, lits)
		require.NoError(t, err)
		assert.Equal(t, want, shape(prog.Source), "payload %q changed program structure", payload)
	}
}

func FuzzStructuralInvariance(f *testing.F) {
	for _, p := range injectionPayloads {
		f.Add(p)
	}
	base, ok := literals(f, renameSpecs, map[string]any{"name": "A", "new_name": "B"})
	require.True(f, ok)
	baseProg, err := Synthesize("rename_glyph", renameBody, base)
	require.NoError(f, err)
	want := shape(baseProg.Source)

	f.Fuzz(func(t *testing.T, payload string) {
		lits, ok := literals(t, renameSpecs, map[string]any{"name": "A", "new_name": payload})
		if !ok {
			return
		}
		prog, err := Synthesize("rename_glyph", renameBody, lits)
		if err != nil {
			t.Fatalf("synthesize: %v", err)
		}
		got := shape(prog.Source)
		if len(got) != len(want) {
			t.Fatalf("payload %q changed line count: %d != %d", payload, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("payload %q changed line %d: %q != %q", payload, i, got[i], want[i])
			}
		}
	})
}
