package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{name: "empty", raw: "", want: map[string]string{}},
		{name: "single", raw: "authorization=Bearer x", want: map[string]string{"authorization": "Bearer x"}},
		{name: "multiple with spaces", raw: " a=1 , b = 2 ", want: map[string]string{"a": "1", "b": "2"}},
		{name: "skips malformed", raw: "a=1,broken,=x,c=", want: map[string]string{"a": "1"}},
		{name: "value containing equals", raw: "k=v=w", want: map[string]string{"k": "v=w"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseHeaders(tt.raw))
		})
	}
}
