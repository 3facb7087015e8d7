package mailing

import "testing"

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		body string
		ctx  map[string]interface{}
		want string
	}{
		{
			name: "basic substitution with missing key",
			body: "Hi {{ name }}, {{ missing }}.",
			ctx:  map[string]interface{}{"name": "Sam"},
			want: "Hi Sam, .",
		},
		{
			name: "whitespace tolerant",
			body: "{{name}} {{  name  }} {{ name}}",
			ctx:  map[string]interface{}{"name": "Sam"},
			want: "Sam Sam Sam",
		},
		{
			name: "non-string values stringified",
			body: "{{ count }} crates, insured: {{ insured }}, total {{ total }}",
			ctx:  map[string]interface{}{"count": 3, "insured": true, "total": 99.5},
			want: "3 crates, insured: true, total 99.5",
		},
		{
			name: "nil context",
			body: "Hi {{ name }}",
			ctx:  nil,
			want: "Hi ",
		},
		{
			name: "no placeholders untouched",
			body: "<p>plain body</p>",
			ctx:  map[string]interface{}{"name": "Sam"},
			want: "<p>plain body</p>",
		},
		{
			name: "no recursive expansion",
			body: "{{ a }}",
			ctx:  map[string]interface{}{"a": "{{ b }}", "b": "nested"},
			want: "{{ b }}",
		},
		{
			name: "nil value becomes empty",
			body: "x{{ a }}y",
			ctx:  map[string]interface{}{"a": nil},
			want: "xy",
		},
		{
			name: "malformed token left alone",
			body: "{{ not closed",
			ctx:  map[string]interface{}{},
			want: "{{ not closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.body, tt.ctx); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}
