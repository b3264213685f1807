package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolate(t *testing.T) {
	data := map[string]any{
		"businessName": "Blue Cafe",
		"rating":       4.0,
		"count":        3,
		"business":     map[string]any{"category": "cafe"},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain", "Hello there", "Hello there"},
		{"single", "Hi {businessName}!", "Hi Blue Cafe!"},
		{"spaces", "Hi { businessName }", "Hi Blue Cafe"},
		{"integral float", "Rated {rating}", "Rated 4"},
		{"int", "{count} reviews", "3 reviews"},
		{"dotted", "A great {business.category}", "A great cafe"},
		{"unknown left intact", "Dear {ownerName}", "Dear {ownerName}"},
		{"json braces untouched", `{"a": 1}`, `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interpolate(tt.template, data))
		})
	}
}

func TestInterpolateValue_Nested(t *testing.T) {
	data := map[string]any{"id": "b-1"}
	in := map[string]any{
		"url":  "https://api.example.com/leads/{id}",
		"tags": []any{"{id}", 7},
	}

	out := InterpolateValue(in, data).(map[string]any)
	assert.Equal(t, "https://api.example.com/leads/b-1", out["url"])
	assert.Equal(t, []any{"b-1", 7}, out["tags"])
	assert.Equal(t, "https://api.example.com/leads/{id}", in["url"])
}

func TestLookup(t *testing.T) {
	data := map[string]any{
		"apiResponse": map[string]any{
			"items": []any{map[string]any{"name": "first"}},
		},
		"a.b": "flat",
	}

	v, ok := Lookup(data, "apiResponse.items.0.name")
	assert.True(t, ok)
	assert.Equal(t, "first", v)

	v, ok = Lookup(data, "a.b")
	assert.True(t, ok)
	assert.Equal(t, "flat", v)

	_, ok = Lookup(data, "apiResponse.missing")
	assert.False(t, ok)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "2.5", Stringify(2.5))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `{"k":"v"}`, Stringify(map[string]any{"k": "v"}))
}
