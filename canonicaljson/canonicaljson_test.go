package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty object", input: `{}`, want: `{}`},
		{name: "sorted keys", input: `{"one": 1, "two": "Two"}`, want: `{"one":1,"two":"Two"}`},
		{name: "reordered", input: `{"b": "2", "a": "1"}`, want: `{"a":"1","b":"2"}`},
		{
			name:  "nested",
			input: "{\n  \"auth\": {\"success\": true, \"mxid\": \"@john.doe:example.com\", \"profile\": {\"display_name\": \"John Doe\", \"three_pids\": [{\"medium\": \"email\", \"address\": \"john.doe@example.org\"}, {\"medium\": \"msisdn\", \"address\": \"123456789\"}]}}\n}",
			want:  `{"auth":{"mxid":"@john.doe:example.com","profile":{"display_name":"John Doe","three_pids":[{"address":"john.doe@example.org","medium":"email"},{"address":"123456789","medium":"msisdn"}]},"success":true}}`,
		},
		{name: "unicode passthrough", input: `{"a": "日本語"}`, want: `{"a":"日本語"}`},
		{name: "unicode escapes decoded", input: `{"a": "\u65e5"}`, want: `{"a":"日"}`},
		{name: "code point order", input: `{"本": 2, "日": 1}`, want: `{"日":1,"本":2}`},
		{name: "html not escaped", input: `{"a": "<b>&</b>"}`, want: `{"a":"<b>&</b>"}`},
		{name: "control escapes", input: `{"a": "\u0001\n\"\\"}`, want: `{"a":"\u0001\n\"\\"}`},
		{name: "null", input: `{"a": null}`, want: `{"a":null}`},
		{name: "array at top", input: `[3, {"b":1,"a":2}]`, want: `[3,{"a":2,"b":1}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			got, err := Canonicalize([]byte(tt.input))
			require.Nil(err)
			require.Equal(tt.want, string(got))

			again, err := Canonicalize(got)
			require.Nil(err)
			require.Equal(got, again)
		})
	}
}

func TestCanonicalizeRejectsInvalid(t *testing.T) {
	require := require.New(t)
	_, err := Canonicalize([]byte(`{"a":`))
	require.ErrorIs(err, ErrInvalidJSON)
	_, err = Canonicalize([]byte(`{"a":1,"a":2}`))
	require.ErrorIs(err, ErrInvalidJSON)
}

func TestMarshal(t *testing.T) {
	require := require.New(t)
	got, err := Marshal(map[string]interface{}{"token": "abc", "mxid": "@a:b"})
	require.Nil(err)
	require.Equal(`{"mxid":"@a:b","token":"abc"}`, string(got))
}
