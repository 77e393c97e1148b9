package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     Vars
		want     string
	}{
		{
			name:     "positional arguments",
			template: "Fix $1 in $2",
			vars:     Vars{Positional: []string{"the bug", "auth.go"}},
			want:     "Fix the bug in auth.go",
		},
		{
			name:     "missing positions expand to empty",
			template: "a=$1 b=$2 c=$3",
			vars:     Vars{Positional: []string{"x"}},
			want:     "a=x b= c=",
		},
		{
			name:     "arguments joined by single space",
			template: "run: $ARGUMENTS",
			vars:     Vars{Positional: []string{"dark", "mode"}},
			want:     "run: dark mode",
		},
		{
			name:     "context aliases",
			template: "$CONTEXT|$EXTERNAL_CONTEXT|$ISSUE_CONTEXT",
			vars:     Vars{ExternalContext: "issue #7"},
			want:     "issue #7|issue #7|issue #7",
		},
		{
			name:     "escaped dollar is literal",
			template: `costs \$5 and $1`,
			vars:     Vars{Positional: []string{"tax"}},
			want:     "costs $5 and tax",
		},
		{
			name:     "unknown names left verbatim",
			template: "echo $HOME and $PATH",
			vars:     Vars{},
			want:     "echo $HOME and $PATH",
		},
		{
			name:     "named bindings",
			template: "iteration $ITERATION of $USER_MESSAGE",
			vars:     Vars{Named: map[string]string{"ITERATION": "3", "USER_MESSAGE": "refactor"}},
			want:     "iteration 3 of refactor",
		},
		{
			name:     "trailing dollar preserved",
			template: "price in US$",
			vars:     Vars{},
			want:     "price in US$",
		},
		{
			name:     "dollar before punctuation preserved",
			template: "a $ b",
			vars:     Vars{},
			want:     "a $ b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Substitute(tt.template, tt.vars))
		})
	}
}

func TestSubstituteFixedPoint(t *testing.T) {
	vars := Vars{
		Positional:      []string{"alpha", "beta"},
		Named:           map[string]string{"THING": "widget"},
		ExternalContext: "ctx",
	}
	template := `do $1 with $THING, args: $ARGUMENTS, see $CONTEXT, keep $UNKNOWN and \$literal`

	once := Substitute(template, vars)
	twice := Substitute(once, vars)
	assert.Equal(t, once, twice)
}

func TestAssembleAppendsContextUnconditionally(t *testing.T) {
	vars := Vars{ExternalContext: "PR #12 description"}
	got := Assemble("Review this change", vars)
	assert.Equal(t, "Review this change\n\n---\n\nPR #12 description", got)

	// The context is present even when the template already referenced it.
	got = Assemble("Review $CONTEXT", vars)
	assert.Equal(t, "Review PR #12 description\n\n---\n\nPR #12 description", got)

	// No separator when there is no context.
	assert.Equal(t, "plain", Assemble("plain", Vars{}))
}
