package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripMarkdownCodeBlock(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripMarkdownCodeBlock("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "no json here", stripMarkdownCodeBlock("  no json here "))
}

func TestParseDraft(t *testing.T) {
	draft, err := parseDraft("```json\n{\"subject\": \" Re: your website \", \"body\": \"Hi Sam,\\nhappy to help.\"}\n```", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "Re: your website", draft.Subject)
	assert.Equal(t, "Hi Sam,\nhappy to help.", draft.Body)

	draft, err = parseDraft(`{"body": "Hello"}`, "Quick question")
	require.NoError(t, err)
	assert.Equal(t, "Quick question", draft.Subject)

	_, err = parseDraft(`{"subject": "x", "body": "  "}`, "")
	assert.Error(t, err)

	_, err = parseDraft("sorry, I can't", "")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}
