package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, kinds := RedactPII(input)
	if strings.Join(kinds, ",") != "email,card,phone" {
		t.Fatalf("kinds = %v, want email,card,phone", kinds)
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if strings.Contains(out, "4242") || strings.Contains(out, "sam@") {
		t.Fatalf("output still carries PII: %q", out)
	}
}

func TestRedactPIILeavesPlainTranscripts(t *testing.T) {
	input := "turn left at the second light"
	out, kinds := RedactPII(input)
	if out != input || len(kinds) != 0 {
		t.Fatalf("RedactPII(%q) = %q, %v", input, out, kinds)
	}
}

func TestLuhnValid(t *testing.T) {
	cases := map[string]bool{
		"4242 4242 4242 4242": true,
		"4111-1111-1111-1111": true,
		"4242 4242 4242 4241": false,
		"1234":                false,
	}
	for in, want := range cases {
		if got := luhnValid(in); got != want {
			t.Fatalf("luhnValid(%q) = %v, want %v", in, got, want)
		}
	}
}
