package router

import "strings"

// tokenizeCommandLine splits a command line into tokens. Single and
// double quotes group words, a backslash escapes the next byte, so
// `/track add "Player One"` yields three tokens.
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		toks  []string
		cur   strings.Builder
		quote byte // active quote char, 0 when outside quotes
		esc   bool
	)
	emit := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			cur.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				cur.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			emit()
		default:
			cur.WriteByte(ch)
		}
	}
	emit()
	return toks
}

// parseFlags separates positionals from flags. Long flags take
// --k=v, --k v and --flag forms; short flags additionally support
// clustering, so -abc sets three bools.
func parseFlags(args []string) (positional []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--") && len(arg) > 2:
			i += takeFlag(arg[2:], args[i+1:], flags, bools, false)
		case strings.HasPrefix(arg, "-") && len(arg) > 1 && arg != "-":
			i += takeFlag(arg[1:], args[i+1:], flags, bools, true)
		default:
			positional = append(positional, arg)
		}
	}
	return positional, flags, bools
}

// takeFlag records one flag given its name (dashes stripped) and the
// args that follow it. Returns how many following tokens it consumed
// as the flag's value (0 or 1).
func takeFlag(key string, rest []string, flags map[string]string, bools map[string]bool, short bool) int {
	if eq := strings.IndexByte(key, '='); eq >= 0 {
		flags[key[:eq]] = key[eq+1:]
		return 0
	}
	if short && len(key) > 1 {
		// cluster: -abc means -a -b -c
		for j := 0; j < len(key); j++ {
			bools[string(key[j])] = true
		}
		return 0
	}
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		flags[key] = rest[0]
		return 1
	}
	bools[key] = true
	return 0
}
