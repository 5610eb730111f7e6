package handlers

import (
	"testing"

	"github.com/otcheredev/spax/internal/spaxerr"
)

func TestParseFrameListValid(t *testing.T) {
	got, err := parseFrameList("1,2,3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestParseFrameListTrimsWhitespace(t *testing.T) {
	got, err := parseFrameList(" 4 , 5 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Errorf("got %v, want [4 5]", got)
	}
}

func TestParseFrameListRejectsZeroAndNegative(t *testing.T) {
	for _, raw := range []string{"0", "-1", "1,0"} {
		if _, err := parseFrameList(raw); err == nil {
			t.Errorf("parseFrameList(%q) expected an error, got none", raw)
		} else if kind := spaxerr.KindOf(err); kind != spaxerr.KindBadFrameList {
			t.Errorf("parseFrameList(%q) kind = %s, want %s", raw, kind, spaxerr.KindBadFrameList)
		}
	}
}

func TestParseFrameListRejectsNonNumeric(t *testing.T) {
	if _, err := parseFrameList("abc"); err == nil {
		t.Error("expected an error for a non-numeric frame number")
	}
}

func TestParseFrameListRejectsEmpty(t *testing.T) {
	if _, err := parseFrameList(""); err == nil {
		t.Error("expected an error for an empty frame list")
	}
}
