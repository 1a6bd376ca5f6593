package cache

import "testing"

func TestTextHashDeterministic(t *testing.T) {
	a := TextHash("hello world", "claude-3", "v1")
	b := TextHash("hello world", "claude-3", "v1")
	if a != b {
		t.Fatalf("expected stable hash, got %x vs %x", a, b)
	}
}

func TestTextHashTrimsTrailingWhitespace(t *testing.T) {
	a := TextHash("hello world", "claude-3", "v1")
	b := TextHash("hello world   \n\t", "claude-3", "v1")
	if a != b {
		t.Fatalf("expected trailing whitespace to be normalized away, got %x vs %x", a, b)
	}
}

func TestTextHashIsCaseSensitive(t *testing.T) {
	a := TextHash("Hello World", "claude-3", "v1")
	b := TextHash("hello world", "claude-3", "v1")
	if a == b {
		t.Fatal("expected case to affect the hash; embeddings are case-sensitive")
	}
}

func TestTextHashVariesByModel(t *testing.T) {
	a := TextHash("hello world", "claude-3", "v1")
	b := TextHash("hello world", "titan-embed", "v1")
	if a == b {
		t.Fatal("expected modelId to be part of the content address")
	}
}

func TestTextHashVariesByModelVersion(t *testing.T) {
	a := TextHash("hello world", "claude-3", "v1")
	b := TextHash("hello world", "claude-3", "v2")
	if a == b {
		t.Fatal("expected modelVersion to be part of the content address")
	}
}

func TestTextHashDoesNotLeadingTrim(t *testing.T) {
	a := TextHash("  hello world", "claude-3", "v1")
	b := TextHash("hello world", "claude-3", "v1")
	if a == b {
		t.Fatal("leading whitespace should not be normalized away, only trailing")
	}
}
