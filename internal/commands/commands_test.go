package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeHonorsQuotes(t *testing.T) {
	cases := []struct {
		input string
		want  []string
	}{
		{`model anthropic:claude-sonnet-4-5`, []string{"model", "anthropic:claude-sonnet-4-5"}},
		{`fork "my new workspace"`, []string{"fork", "my new workspace"}},
		{`a "b c" d`, []string{"a", "b c", "d"}},
		{`  spaced   out  `, []string{"spaced", "out"}},
		{`unterminated "quote runs on`, []string{"unterminated", "quote runs on"}},
		{`""`, []string{""}},
		{``, nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Tokenize(tc.input), "input: %q", tc.input)
	}
}

func TestParseSimpleCommand(t *testing.T) {
	r := Builtin()

	res, ok := r.Parse("/model anthropic:claude-sonnet-4-5")
	require.True(t, ok)
	assert.Equal(t, ResultCommand, res.Type)
	assert.Equal(t, "model", res.Command)
	assert.Equal(t, []string{"anthropic:claude-sonnet-4-5"}, res.Args)
}

func TestParseNestedCommand(t *testing.T) {
	r := Builtin()

	res, ok := r.Parse("/mode plan")
	require.True(t, ok)
	assert.Equal(t, ResultCommand, res.Type)
	assert.Equal(t, "mode", res.Command)
	assert.Equal(t, "plan", res.Subcommand)
}

func TestParseUnknownCommand(t *testing.T) {
	r := Builtin()

	res, ok := r.Parse("/frobnicate now")
	require.True(t, ok)
	assert.Equal(t, ResultUnknownCommand, res.Type)
	assert.Equal(t, "frobnicate", res.Command)
}

func TestParseUnknownSubcommand(t *testing.T) {
	r := Builtin()

	res, ok := r.Parse("/mode turbo")
	require.True(t, ok)
	assert.Equal(t, ResultUnknownCommand, res.Type)
	assert.Equal(t, "mode", res.Command)
	assert.Equal(t, "turbo", res.Subcommand)
}

func TestParseMissingSubcommand(t *testing.T) {
	r := Builtin()

	res, ok := r.Parse("/mode")
	require.True(t, ok)
	assert.Equal(t, ResultUnknownCommand, res.Type)
	assert.Equal(t, "mode", res.Command)
}

func TestParseNonCommand(t *testing.T) {
	r := Builtin()

	_, ok := r.Parse("hello world")
	assert.False(t, ok)

	assert.False(t, IsCommand("plain text"))
	assert.True(t, IsCommand("  /model"))
}

func TestSuggestAtTopLevel(t *testing.T) {
	r := Builtin()

	got := r.SuggestAt("/mo", 3)
	var values []string
	for _, s := range got {
		values = append(values, s.Value)
	}
	assert.Equal(t, []string{"/mode", "/model"}, values)
}

func TestSuggestAtSubcommand(t *testing.T) {
	r := Builtin()

	got := r.SuggestAt("/mode p", 7)
	require.Len(t, got, 1)
	assert.Equal(t, "plan", got[0].Value)

	got = r.SuggestAt("/mode ", 6)
	require.Len(t, got, 2)
}

func TestSuggestAtArgumentValues(t *testing.T) {
	r := Builtin()

	got := r.SuggestAt("/thinking h", 11)
	require.Len(t, got, 1)
	assert.Equal(t, "high", got[0].Value)
}

func TestSuggestAtRespectsCursor(t *testing.T) {
	r := Builtin()

	// Cursor inside the first token ignores text after it.
	got := r.SuggestAt("/mo plan", 3)
	require.NotEmpty(t, got)
	assert.Equal(t, "/mode", got[0].Value)

	assert.Nil(t, r.SuggestAt("no slash", 4))
	assert.Nil(t, r.SuggestAt("/mode", 99))
}
