package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryKeepsInsertionOrder(t *testing.T) {
	r := newRegistry[string, int]()

	assert.True(t, r.add("c", 3))
	assert.True(t, r.add("a", 1))
	assert.True(t, r.add("b", 2))
	assert.False(t, r.add("a", 10))

	assert.Equal(t, []int{3, 1, 2}, r.values())

	v, ok := r.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, r.remove("c"))
	assert.False(t, r.remove("c"))
	assert.Equal(t, []int{1, 2}, r.values())
	assert.Equal(t, 2, r.len())

	assert.True(t, r.add("c", 30))
	assert.Equal(t, []int{1, 2, 30}, r.values())
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	all, err := paginate(items, "", 0)
	require.NoError(t, err)
	assert.Equal(t, items, all.items)
	assert.Empty(t, all.nextCursor)

	var got []int
	cursor := ""
	pages := 0
	for {
		p, err := paginate(items, cursor, 2)
		require.NoError(t, err)
		got = append(got, p.items...)
		pages++
		if p.nextCursor == "" {
			break
		}
		cursor = p.nextCursor
	}
	assert.Equal(t, items, got)
	assert.Equal(t, 3, pages)

	_, err = paginate(items, "!!not-base64", 2)
	assert.Error(t, err)
	_, err = paginate(items, "OTk", 2) // "99"
	assert.Error(t, err)
}

func TestResourceSpecMatch(t *testing.T) {
	noop := func(context.Context, *Exchange, ReadResourceRequest, map[string]string) (ReadResourceResult, error) {
		return ReadResourceResult{}, nil
	}

	static := ResourceSpec{Resource: Resource{URI: "file:///readme"}, Handler: noop}
	require.NoError(t, static.compile())
	vars, ok := static.match("file:///readme")
	assert.True(t, ok)
	assert.Empty(t, vars)
	_, ok = static.match("file:///other")
	assert.False(t, ok)

	tmpl := ResourceSpec{Resource: Resource{URI: "test://users/{id}/posts/{post}"}, Handler: noop}
	require.NoError(t, tmpl.compile())
	vars, ok = tmpl.match("test://users/42/posts/7")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"id": "42", "post": "7"}, vars)
	assert.ElementsMatch(t, []string{"id", "post"}, tmpl.variables())
	_, ok = tmpl.match("test://groups/42")
	assert.False(t, ok)

	invalid := ResourceSpec{Resource: Resource{URI: "test://{broken"}, Handler: noop}
	var validationErr *ValidationError
	assert.ErrorAs(t, invalid.compile(), &validationErr)
}

func TestCompleteReferenceKey(t *testing.T) {
	ref := CompleteReference{Type: CompletionRefPrompt, Name: "greet", URI: "stray"}
	assert.Equal(t, CompleteReference{Type: CompletionRefPrompt, Name: "greet"}, ref.key())
	assert.Equal(t, "ref/prompt(greet)", ref.String())
}
