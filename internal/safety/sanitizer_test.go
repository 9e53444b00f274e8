package safety

import (
	"errors"
	"strings"
	"testing"
	"unicode"

	"github.com/basket/taskrelay/internal/shared"
	"pgregory.net/rapid"
)

func TestValidToolName(t *testing.T) {
	accept := []string{"buddy-do", "a2a-send-task", "a", "x1", "snake_case", strings.Repeat("a", 64)}
	for _, name := range accept {
		if !ValidToolName(name) {
			t.Errorf("expected %q to be accepted", name)
		}
	}
	reject := []string{"", strings.Repeat("a", 65), "Buddy-Do", "-leading", "trailing-", "_x", "x_", "has space", "dots.not.ok", "ünicode"}
	for _, name := range reject {
		if ValidToolName(name) {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestValidateToolName_SanitizesEcho(t *testing.T) {
	err := ValidateToolName("Evil\"\n\x1b[31mname")
	if !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	msg := err.Error()
	if strings.ContainsAny(msg, "\n\x1b") {
		t.Fatalf("control characters leaked into message: %q", msg)
	}
	if !strings.Contains(msg, `Evil\"`) {
		t.Fatalf("expected escaped quote in message: %q", msg)
	}
	if !strings.Contains(msg, "lowercase") {
		t.Fatalf("expected reason in message: %q", msg)
	}
}

func TestValidateToolName_LongNameTruncated(t *testing.T) {
	err := ValidateToolName(strings.Repeat("z", 500))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(err.Error()) > 300 {
		t.Fatalf("message not truncated: %d bytes", len(err.Error()))
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, id := range []string{"worker-1", "6f1c2a4e-1111-2222-3333-444444444444", "agent.local:9000"} {
		if err := ValidateIdentifier("agentId", id); err != nil {
			t.Errorf("ValidateIdentifier(%q) = %v", id, err)
		}
	}
	for _, id := range []string{"", "-x", "has space", strings.Repeat("a", 129), "x\ny"} {
		if err := ValidateIdentifier("agentId", id); !errors.Is(err, shared.ErrValidation) {
			t.Errorf("ValidateIdentifier(%q) = %v, want validation error", id, err)
		}
	}
	if err := ValidateIdentifier("taskId", ""); !strings.Contains(err.Error(), "taskId is required") {
		t.Fatalf("unexpected empty-id message: %v", err)
	}
}

func TestSanitizeForMessage(t *testing.T) {
	cases := []struct {
		in, want string
		limit    int
	}{
		{"plain", "plain", 0},
		{"a\"b", `a\"b`, 0},
		{`back\slash`, `back\\slash`, 0},
		{"tab\tnew\nline", "tabnewline", 0},
		{"abcdef", "abc...", 3},
		{"it's", `it\'s`, 0},
	}
	for _, tc := range cases {
		if got := SanitizeForMessage(tc.in, tc.limit); got != tc.want {
			t.Errorf("SanitizeForMessage(%q, %d) = %q, want %q", tc.in, tc.limit, got, tc.want)
		}
	}
}

func TestToolNameGrammar_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[a-z0-9][a-z0-9_-]{0,62}[a-z0-9]`).Draw(t, "name")
		if !ValidToolName(name) {
			t.Fatalf("generated valid name rejected: %q", name)
		}
		upper := strings.ToUpper(name[:1]) + name[1:]
		if upper != name && ValidToolName(upper) {
			t.Fatalf("uppercase variant accepted: %q", upper)
		}
		if ValidToolName("-" + name) {
			t.Fatalf("leading separator accepted: %q", "-"+name)
		}
	})
}

func TestSanitizeForMessage_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.String().Draw(t, "input")
		limit := rapid.IntRange(1, 200).Draw(t, "limit")
		out := SanitizeForMessage(in, limit)
		for _, r := range out {
			if unicode.IsControl(r) {
				t.Fatalf("control rune %U in output %q", r, out)
			}
		}
		// Every quote in the output is escaped.
		for i := 0; i < len(out); i++ {
			if out[i] == '"' && (i == 0 || out[i-1] != '\\') {
				t.Fatalf("unescaped quote at %d in %q", i, out)
			}
		}
		// Each input rune expands to at most two output bytes-worth of runes.
		if n := len([]rune(out)); n > 2*limit+3 {
			t.Fatalf("output has %d runes for limit %d", n, limit)
		}
	})
}
