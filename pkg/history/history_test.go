package history

import (
	"fmt"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t)

	turns := []Entry{
		{SessionKey: "main", Role: "user", Content: "hello", Channel: "whatsapp", Sender: "15551234567"},
		{SessionKey: "main", Role: "assistant", Content: "hi there"},
		{SessionKey: "main", Role: "user", Content: "what's up"},
	}
	for _, e := range turns {
		if err := s.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Recent("main", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Oldest first.
	if got[0].Content != "hello" || got[2].Content != "what's up" {
		t.Errorf("order wrong: %q ... %q", got[0].Content, got[2].Content)
	}
	if got[0].Channel != "whatsapp" || got[0].Sender != "15551234567" {
		t.Errorf("metadata not persisted: %+v", got[0])
	}
}

func TestRecentLimitKeepsNewest(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 10; i++ {
		if err := s.Append(Entry{SessionKey: "main", Role: "user", Content: fmt.Sprintf("msg-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Recent("main", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Content != "msg-7" || got[2].Content != "msg-9" {
		t.Errorf("limit should keep the newest entries: %q ... %q", got[0].Content, got[2].Content)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	if err := s.Append(Entry{SessionKey: "main", Role: "user", Content: "direct"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(Entry{SessionKey: "whatsapp:group-1@g.us", Role: "user", Content: "group"}); err != nil {
		t.Fatal(err)
	}

	if err := s.Clear("main"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if n, _ := s.Count("main"); n != 0 {
		t.Errorf("main count = %d, want 0", n)
	}
	if n, _ := s.Count("whatsapp:group-1@g.us"); n != 1 {
		t.Errorf("group count = %d, want 1", n)
	}
}

func TestAppendRequiresSessionKey(t *testing.T) {
	s := openTestStore(t)
	if err := s.Append(Entry{Role: "user", Content: "orphan"}); err == nil {
		t.Error("expected error for empty session key")
	}
}
