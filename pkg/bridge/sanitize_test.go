package bridge

import (
	"bytes"
	"testing"
)

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: ""},
		{name: "single quote byte", input: `"`, want: `"`},
		{name: "two quotes", input: `""`, want: ""},
		{name: "wrapped array", input: `"[1,2,3]"`, want: "[1,2,3]"},
		{name: "bare array", input: "[1,2,3]", want: "[1,2,3]"},
		{name: "leading quote only", input: `"abc`, want: `"abc`},
		{name: "trailing quote only", input: `abc"`, want: `abc"`},
		{name: "json string stays one layer", input: `""x""`, want: `"x"`},
		{name: "single char", input: "x", want: "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Sanitize([]byte(tt.input))
			if string(got) != tt.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeStripsExactlyTwoBytes(t *testing.T) {
	t.Parallel()

	for _, input := range []string{`""`, `"a"`, `"{\"k\":1}"`, `"` + string(bytes.Repeat([]byte("z"), 512)) + `"`} {
		got := Sanitize([]byte(input))
		if len(got) != len(input)-2 {
			t.Fatalf("len(Sanitize(%q)) = %d, want %d", input, len(got), len(input)-2)
		}
		if string(got) != input[1:len(input)-1] {
			t.Fatalf("Sanitize(%q) = %q, want interior", input, got)
		}
	}
}

func TestSanitizeIdempotentForSingleLayer(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", `"`, `"[1,2,3]"`, "[1,2,3]", `"{}"`, "plain"} {
		once := Sanitize([]byte(input))
		twice := Sanitize(once)
		if !bytes.Equal(once, twice) {
			t.Fatalf("Sanitize not idempotent for %q: %q then %q", input, once, twice)
		}
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	input := []byte(`"abc"`)
	_ = Sanitize(input)
	if string(input) != `"abc"` {
		t.Fatalf("input mutated to %q", input)
	}
}
