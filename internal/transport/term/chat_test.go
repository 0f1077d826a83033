package term

import "testing"

func TestInsertRunes(t *testing.T) {
	in, cursor := insertRunes([]rune("hllo"), 1, []rune("e"))
	if string(in) != "hello" || cursor != 2 {
		t.Errorf("got (%q, %d)", string(in), cursor)
	}

	in, cursor = insertRunes(nil, 5, []rune("hi"))
	if string(in) != "hi" || cursor != 2 {
		t.Errorf("out-of-range cursor should clamp, got (%q, %d)", string(in), cursor)
	}
}

func TestDeleteRuneLeft(t *testing.T) {
	in, cursor := deleteRuneLeft([]rune("hello"), 5)
	if string(in) != "hell" || cursor != 4 {
		t.Errorf("got (%q, %d)", string(in), cursor)
	}

	in, cursor = deleteRuneLeft([]rune("hello"), 0)
	if string(in) != "hello" || cursor != 0 {
		t.Errorf("delete at start should be a no-op, got (%q, %d)", string(in), cursor)
	}
}

func TestRenderCursor(t *testing.T) {
	if got := renderCursor("abc", 1); got != "a_bc" {
		t.Errorf("got %q", got)
	}
	if got := renderCursor("abc", 99); got != "abc_" {
		t.Errorf("cursor should clamp to end, got %q", got)
	}
}
