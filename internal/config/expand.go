package config

import (
	"fmt"
	"strconv"
	"strings"
)

// RdirContext holds the variables available when expanding rdir_path.
type RdirContext struct {
	UID uint32
	GID uint32
}

// ExpandRundir expands a rdir_path template against a login's uid/gid.
// Grounded on the original cfg_expand_rundir: the only recognised
// substitutions are %(uid)s and %(gid)s. An empty template yields an empty
// rundir (meaning: the client is not given one).
func ExpandRundir(template string, ctx RdirContext) (string, error) {
	if template == "" {
		return "", nil
	}
	result, err := expandTemplateVars(template, ctx)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(result, "/") {
		return "", fmt.Errorf("expanded rundir %q is not absolute", result)
	}
	return result, nil
}

func expandTemplateVars(s string, ctx RdirContext) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '%' && s[i+1] == '%' {
			out.WriteByte('%')
			i += 2
			continue
		}
		if i+1 < len(s) && s[i] == '%' && s[i+1] == '(' {
			end := strings.Index(s[i:], ")s")
			if end < 0 {
				return "", fmt.Errorf("unclosed template variable at position %d in %q", i, s)
			}
			name := s[i+2 : i+end]
			val, err := resolveRdirVar(name, ctx)
			if err != nil {
				return "", err
			}
			out.WriteString(val)
			i += end + 2
			continue
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String(), nil
}

func resolveRdirVar(name string, ctx RdirContext) (string, error) {
	switch name {
	case "uid":
		return strconv.FormatUint(uint64(ctx.UID), 10), nil
	case "gid":
		return strconv.FormatUint(uint64(ctx.GID), 10), nil
	default:
		return "", fmt.Errorf("unknown rdir_path variable: %%(%s)s", name)
	}
}
