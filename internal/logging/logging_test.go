package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ngommans/mcode-sub001/internal/config"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain-name", "plain-name"},
		{"two\nlines", "two lines"},
		{"carriage\rreturn", "carriage return"},
		{"tab\there", "tab here"},
		{"bell\x07char", "bellchar"},
		{"", ""},
		{"repo/codespace-ñéé", "repo/codespace-ñéé"},
	}
	for _, c := range cases {
		if got := Sanitize(c.in); got != c.want {
			t.Errorf("Sanitize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNewTagsComponent(t *testing.T) {
	logger := New("bridge")
	if got := logger.Prefix(); got != "[bridge] " {
		t.Errorf("Prefix() = %q, want \"[bridge] \"", got)
	}
}

func TestReadTailMissingFile(t *testing.T) {
	t.Setenv("MCODE_DATA_PATH", t.TempDir())
	t.Setenv("MCODE_LOG_PATH", "")
	config.Load()

	out, err := ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail on missing file: %v", err)
	}
	if out != "" {
		t.Errorf("ReadTail = %q, want empty", out)
	}
}

func TestReadTailLimitsLines(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MCODE_DATA_PATH", dir)
	t.Setenv("MCODE_LOG_PATH", "")
	config.Load()

	path := filepath.Join(dir, "mcode.log")
	if err := os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := ReadTail(2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "c") || !strings.Contains(out, "d") || strings.Contains(out, "a") {
		t.Errorf("ReadTail(2) = %q, want last two lines only", out)
	}
}
