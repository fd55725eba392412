package httpapi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUTF8Carry(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		name   string
		chunks []string
		then   []string
		rest   string
	}{
		{
			name:   "ascii",
			chunks: []string{"hello ", "world"},
			then:   []string{"hello ", "world"},
		},
		{
			name:   "euro split after two bytes",
			chunks: []string{"a\xe2\x82", "\xacb"},
			then:   []string{"a", "€b"},
		},
		{
			name:   "emoji over three chunks",
			chunks: []string{"\xf0", "\x9f\x98", "\x80!"},
			then:   []string{"", "", "😀!"},
		},
		{
			name:   "truncated at the end",
			chunks: []string{"ok\xc3"},
			then:   []string{"ok"},
			rest:   "\xc3",
		},
		{
			name:   "invalid bytes pass through",
			chunks: []string{"\xff\xfe", "x"},
			then:   []string{"\xff\xfe", "x"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var carry utf8Carry
			var joined strings.Builder
			for i, chunk := range tc.chunks {
				got := carry.next([]byte(chunk))
				require.Equal(t, tc.then[i], got)
				joined.WriteString(got)
			}
			rest, ok := carry.flush()
			require.Equal(t, tc.rest != "", ok)
			require.Equal(t, tc.rest, rest)
			joined.WriteString(rest)
			require.Equal(t, strings.Join(tc.chunks, ""), joined.String())
		})
	}
}
