package config

import (
	"os"
	"regexp"
	"strconv"
)

// Tokens of the form ${NAME:default} are replaced at load time. Only the
// whitelisted names are honored; anything else stays literal.
var envSubWhitelist = map[string]bool{
	"THETA_LIQ":  true,
	"THETA_VOL":  true,
	"THETA_SENT": true,
}

var envSubRe = regexp.MustCompile(`\$\{([A-Z0-9_]+):([^}]*)\}`)

// SubstituteEnv expands whitelisted ${NAME:default} tokens in rule file
// bytes. Numeric-looking values are emitted bare so YAML coerces them.
func SubstituteEnv(data []byte) []byte {
	return envSubRe.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envSubRe.FindSubmatch(match)
		name, def := string(groups[1]), string(groups[2])
		if !envSubWhitelist[name] {
			return match
		}
		val := os.Getenv(name)
		if val == "" {
			val = def
		}
		if _, err := strconv.ParseFloat(val, 64); err == nil {
			return []byte(val)
		}
		return []byte(strconv.Quote(val))
	})
}
