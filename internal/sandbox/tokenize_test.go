package sandbox

import (
	"reflect"
	"testing"
)

func TestTokenizeBasic(t *testing.T) {
	got, err := Tokenize("ls -la /tmp")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"ls", "-la", "/tmp"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestTokenizeQuotedArgument(t *testing.T) {
	got, err := Tokenize(`echo "hello world" 'single quoted'`)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"echo", "hello world", "single quoted"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestTokenizeUnterminatedQuote(t *testing.T) {
	if _, err := Tokenize(`echo "unterminated`); err == nil {
		t.Fatal("expected error for unterminated quote")
	}
}

func TestTokenizeEmpty(t *testing.T) {
	if _, err := Tokenize("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestTokenizeNeverExpandsShellConstructs(t *testing.T) {
	// Tokenize must treat these purely as literal characters — any
	// shell-meaning is the blocklist's job, not the tokenizer's.
	got, err := Tokenize(`echo $(whoami)`)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"echo", "$(whoami)"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
