package tracker

import (
	"reflect"
	"testing"
)

func TestIdentityKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Alice", "alice"},
		{"  Alice  ", "alice"},
		{"BOB", "bob"},
		{"", ""},
		{"   ", ""},
		{"xX_Sniper_Xx", "xx_sniper_xx"},
	}
	for _, tt := range tests {
		if got := identityKey(tt.in); got != tt.want {
			t.Errorf("identityKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRosterAddCaseInsensitive(t *testing.T) {
	t.Parallel()
	p := New()

	if !p.rosterAdd("Shroud") {
		t.Fatalf("rosterAdd(Shroud) = false, want true")
	}
	if p.rosterAdd("shroud") {
		t.Fatalf("rosterAdd(shroud) = true, want false (duplicate)")
	}
	if p.rosterAdd("  SHROUD  ") {
		t.Fatalf("rosterAdd(SHROUD) = true, want false (duplicate)")
	}
	if p.rosterAdd("") {
		t.Fatalf("rosterAdd(empty) = true, want false")
	}

	if got := p.rosterNames(); !reflect.DeepEqual(got, []string{"Shroud"}) {
		t.Fatalf("rosterNames() = %v, want [Shroud]", got)
	}
}

func TestRosterInsertionOrder(t *testing.T) {
	t.Parallel()
	p := New()

	for _, n := range []string{"Charlie", "alpha", "Bravo"} {
		if !p.rosterAdd(n) {
			t.Fatalf("rosterAdd(%s) = false, want true", n)
		}
	}
	want := []string{"Charlie", "alpha", "Bravo"}
	if got := p.rosterNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("rosterNames() = %v, want %v", got, want)
	}
}

func TestRosterFindReturnsDisplayName(t *testing.T) {
	t.Parallel()
	p := New()
	p.rosterAdd("ShroudTV")

	display, ok := p.rosterFind("shroudtv")
	if !ok || display != "ShroudTV" {
		t.Fatalf("rosterFind(shroudtv) = (%q, %v), want (ShroudTV, true)", display, ok)
	}
	if _, ok := p.rosterFind("ghost"); ok {
		t.Fatalf("rosterFind(ghost) = true, want false")
	}
	if _, ok := p.rosterFind(""); ok {
		t.Fatalf("rosterFind(empty) = true, want false")
	}
}

func TestRosterRemove(t *testing.T) {
	t.Parallel()
	p := New()
	p.rosterAdd("Alice")
	p.rosterAdd("Bob")
	p.rosterAdd("Carol")

	display, ok := p.rosterRemove("BOB")
	if !ok || display != "Bob" {
		t.Fatalf("rosterRemove(BOB) = (%q, %v), want (Bob, true)", display, ok)
	}
	if _, ok := p.rosterRemove("bob"); ok {
		t.Fatalf("rosterRemove(bob) second call = true, want false")
	}
	want := []string{"Alice", "Carol"}
	if got := p.rosterNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("rosterNames() after remove = %v, want %v", got, want)
	}
}

func TestNameFromArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"first arg", []string{"Shroud"}, "Shroud"},
		{"skips blanks", []string{"", "  ", "Shroud", "extra"}, "Shroud"},
		{"trims", []string{"  Shroud  "}, "Shroud"},
		{"empty", nil, ""},
		{"all blank", []string{"", " "}, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := nameFromArgs(tt.args); got != tt.want {
				t.Fatalf("nameFromArgs(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}
