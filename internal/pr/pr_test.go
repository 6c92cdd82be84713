package pr

import "testing"

func TestNumberFromURL(t *testing.T) {
	n, err := numberFromURL("https://github.com/acme/widgets/pull/42")
	if err != nil {
		t.Fatalf("numberFromURL: %v", err)
	}
	if n != 42 {
		t.Fatalf("got %d, want 42", n)
	}

	if _, err := numberFromURL("not a url"); err == nil {
		t.Fatal("expected an error for malformed output")
	}
}

func TestLastLine(t *testing.T) {
	out := "Creating pull request for wiggum/ABC-1 into main\n\nhttps://github.com/acme/widgets/pull/7\n"
	if got := lastLine(out); got != "https://github.com/acme/widgets/pull/7" {
		t.Fatalf("got %q", got)
	}
}

func TestHasConflict(t *testing.T) {
	if (&Handle{Mergeable: "MERGEABLE"}).HasConflict() {
		t.Fatal("MERGEABLE should not report a conflict")
	}
	if !(&Handle{Mergeable: "CONFLICTING"}).HasConflict() {
		t.Fatal("CONFLICTING should report a conflict")
	}
	var nilHandle *Handle
	if nilHandle.HasConflict() {
		t.Fatal("nil handle should not report a conflict")
	}
}
