package aerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuralKinds(t *testing.T) {
	structural := []Kind{KindSchemaMismatch, KindUnknownField, KindDeprecatedField, KindToolSchemaDrift, KindStreamFormatDrift}
	for _, k := range structural {
		assert.True(t, k.Structural(), string(k))
	}
	for _, k := range []Kind{KindTransient, KindAuth, KindValidation, KindContentFilter, KindUnknown} {
		assert.False(t, k.Structural(), string(k))
	}
}

func TestTerminalKinds(t *testing.T) {
	assert.True(t, KindValidation.Terminal())
	assert.True(t, KindContentFilter.Terminal())
	// Auth is not terminal: a key issue is provider-specific, so a
	// different provider may still answer.
	assert.False(t, KindAuth.Terminal())
	assert.False(t, KindTransient.Terminal())
	assert.False(t, KindSchemaMismatch.Terminal())
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Kind
	}{
		{401, "", KindAuth},
		{403, "forbidden", KindAuth},
		{429, "rate limited", KindTransient},
		{500, "boom", KindTransient},
		{503, "overloaded", KindTransient},
		{400, "missing required parameter", KindValidation},
		{400, "schema validation failed for field x", KindSchemaMismatch},
		{400, "unknown field 'reasoning'", KindUnknownField},
		{400, "parameter deprecated since v2", KindDeprecatedField},
		{400, "tool definitions must use the new format", KindToolSchemaDrift},
		{400, "request blocked by content policy filter", KindContentFilter},
		{302, "", KindUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyStatus(tc.status, tc.body), fmt.Sprintf("%d %q", tc.status, tc.body))
	}
}

func TestClassifyErr(t *testing.T) {
	assert.Equal(t, KindTransient, ClassifyErr(errors.New("dial tcp: connection refused")))
	assert.Equal(t, KindTransient, ClassifyErr(errors.New("context deadline exceeded (timeout)")))
	assert.Equal(t, KindUnknown, ClassifyErr(errors.New("something odd")))
	assert.Equal(t, KindAuth, ClassifyErr(Adapter(KindAuth, "openai", "bad key")))
}

func TestAdapterErrorWrapping(t *testing.T) {
	inner := errors.New("eof")
	err := AdapterWrap(KindSchemaMismatch, "google", "decoding response", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "[google/schema_mismatch]")

	var ae *AdapterError
	assert.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &ae)
	assert.Equal(t, KindSchemaMismatch, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestRouterErrorMessage(t *testing.T) {
	err := &RouterError{
		Kind:  RouterAllProvidersFailed,
		Model: "reason",
		Attempts: []Attempt{
			{Provider: "anthropic", Kind: KindTransient, Message: "503"},
			{Provider: "openai", Kind: KindAuth, Message: "401"},
		},
	}
	assert.Contains(t, err.Error(), "all_providers_failed")
	assert.Contains(t, err.Error(), "2 attempt(s)")
}

func TestTruncateMessage(t *testing.T) {
	assert.Equal(t, "abc", TruncateMessage("abc", 10))
	assert.Equal(t, "abcde...", TruncateMessage("abcdefgh", 5))
}
