package operation

import (
	"regexp"
	"strings"

	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
)

// Recognized command tokens. N is a single OS number (one or more
// digits); the grammar is scanned left-to-right over one comma-delimited
// token stream, so a comma-separated N would be indistinguishable from
// the next token.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(noauto|disablegui|label|partition|reboot|halt)$`),
	regexp.MustCompile(`^format(:[0-9]+)?$`),
	regexp.MustCompile(`^initcache(:(multicast|rsync|torrent))?$`),
	regexp.MustCompile(`^(new|sync|postsync|start|prestart):[0-9]+$`),
	regexp.MustCompile(`^(create_image|create_qdiff):[0-9]+(:"[^"]*")?$`),
	regexp.MustCompile(`^(upload_image|upload_qdiff):[0-9]+$`),
}

var flagTokens = map[string]bool{"noauto": true, "disablegui": true}

// ParseCommand validates cmdString token-by-token via a single
// left-to-right scan. Flags (noauto, disablegui) are returned separately
// from the commands they modify; invalid tokens fail the whole parse with
// no partial result.
func ParseCommand(cmdString string) (flags []string, commands []string, err error) {
	if strings.TrimSpace(cmdString) == "" {
		return nil, nil, ctrlerr.Validation("empty command string")
	}

	for _, tok := range strings.Split(cmdString, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, nil, ctrlerr.Validation("empty command token in %q", cmdString)
		}
		if !matchesAnyToken(tok) {
			return nil, nil, ctrlerr.Validation("invalid command token %q", tok)
		}
		if flagTokens[tok] {
			flags = append(flags, tok)
		} else {
			commands = append(commands, tok)
		}
	}

	if len(commands) == 0 {
		return nil, nil, ctrlerr.Validation("command string %q has no executable commands", cmdString)
	}
	return flags, commands, nil
}

func matchesAnyToken(tok string) bool {
	for _, p := range tokenPatterns {
		if p.MatchString(tok) {
			return true
		}
	}
	return false
}

// FormatCommand rejoins flags (prepended) and commands into the final
// string sent to linbo_wrapper or written to a linbocmd file; flags
// come first.
func FormatCommand(flags, commands []string) string {
	all := make([]string, 0, len(flags)+len(commands))
	all = append(all, flags...)
	all = append(all, commands...)
	return strings.Join(all, ",")
}
