package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		found bool
	}{
		{
			name:  "bare object",
			input: `{"tool":"market.quote"}`,
			want:  `{"tool":"market.quote"}`,
			found: true,
		},
		{
			name:  "prose around object",
			input: "Here is my plan:\n```json\n{\"tool\":\"x\",\"args\":{}}\n```\ndone",
			want:  `{"tool":"x","args":{}}`,
			found: true,
		},
		{
			name:  "nested braces",
			input: `{"args":{"inner":{"deep":1}},"tool":"t"}`,
			want:  `{"args":{"inner":{"deep":1}},"tool":"t"}`,
			found: true,
		},
		{
			name:  "braces inside strings ignored",
			input: `{"thought":"watch {NIFTY} today","tool":"t"}`,
			want:  `{"thought":"watch {NIFTY} today","tool":"t"}`,
			found: true,
		},
		{
			name:  "escaped quote inside string",
			input: `{"thought":"he said \"buy {now}\"","tool":"t"}`,
			want:  `{"thought":"he said \"buy {now}\"","tool":"t"}`,
			found: true,
		},
		{
			name:  "no object at all",
			input: "I cannot decide on a trade right now.",
			found: false,
		},
		{
			name:  "unbalanced open brace",
			input: `{"tool":"x"`,
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := extractJSONObject(tt.input)
			assert.Equal(t, tt.found, found)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseToolCall(t *testing.T) {
	call, ok := parseToolCall(`Plan: {"thought":"check price","tool":"market.quote","args":{"segment":"NSE_EQ","security_id":"11536"},"success_criteria":"price known"}`)
	require.True(t, ok)
	assert.Equal(t, "market.quote", call.Tool)
	assert.Equal(t, "NSE_EQ", call.Args["segment"])
	assert.Equal(t, "price known", call.SuccessCriteria)
}

func TestParseToolCallRejectsMissingKeys(t *testing.T) {
	cases := []string{
		`{"tool":"market.quote","args":{}}`,                          // no success_criteria
		`{"tool":"market.quote","success_criteria":"done"}`,          // no args
		`{"args":{},"success_criteria":"done"}`,                      // no tool
		`{"tool":"","args":{},"success_criteria":"done"}`,            // empty tool
		`not json at all`,
		`{"tool": broken}`,
	}
	for _, input := range cases {
		if _, ok := parseToolCall(input); ok {
			t.Errorf("expected %q to be rejected as malformed", input)
		}
	}
}
