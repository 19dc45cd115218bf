package textutil

import "testing"

func TestPlainTextSanitizer(t *testing.T) {
	sanitize := PlainTextSanitizer(12)

	cases := map[string]string{
		"  packed & sealed ":                 "packed & sea",
		"<script>alert(1)</script>left gate": "left gate",
		"<b>bold</b>\x07":                    "bold",
		"":                                   "",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}

	if got := PlainTextSanitizer(0)("a long reason that is not truncated"); got != "a long reason that is not truncated" {
		t.Fatalf("unexpected truncation: %q", got)
	}
}
