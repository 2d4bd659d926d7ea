package router

import (
	"reflect"
	"strings"
	"testing"
)

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"/ping", []string{"/ping"}},
		{"/cmd a b", []string{"/cmd", "a", "b"}},
		{`/cmd a "b c" --k=v`, []string{"/cmd", "a", "b c", "--k=v"}},
		{`/cmd 'x y' z`, []string{"/cmd", "x y", "z"}},
		{`/cmd a\ b`, []string{"/cmd", "a b"}},
		{"/cmd\ta\nb", []string{"/cmd", "a", "b"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got := tokenizeCommandLine(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("tokenizeCommandLine(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		in        []string
		wantPos   []string
		wantFlags map[string]string
		wantBools map[string]bool
	}{
		{
			name:      "positional only",
			in:        []string{"a", "b"},
			wantPos:   []string{"a", "b"},
			wantFlags: map[string]string{},
			wantBools: map[string]bool{},
		},
		{
			name:      "long equals",
			in:        []string{"--interval=2m", "Foo"},
			wantPos:   []string{"Foo"},
			wantFlags: map[string]string{"interval": "2m"},
			wantBools: map[string]bool{},
		},
		{
			name:      "long with value token",
			in:        []string{"--name", "Foo", "bar"},
			wantPos:   []string{"bar"},
			wantFlags: map[string]string{"name": "Foo"},
			wantBools: map[string]bool{},
		},
		{
			name:      "long bool",
			in:        []string{"--force"},
			wantPos:   nil,
			wantFlags: map[string]string{},
			wantBools: map[string]bool{"force": true},
		},
		{
			name:      "short with value",
			in:        []string{"-n", "3"},
			wantPos:   nil,
			wantFlags: map[string]string{"n": "3"},
			wantBools: map[string]bool{},
		},
		{
			name:      "short cluster",
			in:        []string{"-abc"},
			wantPos:   nil,
			wantFlags: map[string]string{},
			wantBools: map[string]bool{"a": true, "b": true, "c": true},
		},
		{
			name:      "short equals",
			in:        []string{"-k=v"},
			wantPos:   nil,
			wantFlags: map[string]string{"k": "v"},
			wantBools: map[string]bool{},
		},
		{
			name:      "flag followed by flag stays bool",
			in:        []string{"--dry", "--run"},
			wantPos:   nil,
			wantFlags: map[string]string{},
			wantBools: map[string]bool{"dry": true, "run": true},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pos, flags, bools := parseFlags(tt.in)
			if !reflect.DeepEqual(pos, tt.wantPos) {
				t.Fatalf("pos = %#v, want %#v", pos, tt.wantPos)
			}
			if !reflect.DeepEqual(flags, tt.wantFlags) {
				t.Fatalf("flags = %#v, want %#v", flags, tt.wantFlags)
			}
			if !reflect.DeepEqual(bools, tt.wantBools) {
				t.Fatalf("bools = %#v, want %#v", bools, tt.wantBools)
			}
		})
	}
}

func TestSplitRoute(t *testing.T) {
	t.Parallel()
	if got := splitRoute("  tracker   add  "); !reflect.DeepEqual(got, []string{"tracker", "add"}) {
		t.Fatalf("splitRoute = %#v", got)
	}
	if got := splitRoute(""); got != nil {
		t.Fatalf("splitRoute(empty) = %#v, want nil", got)
	}
}

func TestNewReqID(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := newReqID()
		if id == "" || !strings.Contains(id, "-") {
			t.Fatalf("newReqID() = %q, want ts-seq format", id)
		}
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}
