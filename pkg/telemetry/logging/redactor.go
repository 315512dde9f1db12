package logging

import (
	"log/slog"
	"net/netip"
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	ipv4Pattern  = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	ipv6Pattern  = regexp.MustCompile(`(?:[0-9A-Fa-f]{1,4}|:)(?::[0-9A-Fa-f]{0,4}){1,7}`)
)

// defaultSensitiveKeys are attribute keys whose values are always masked.
var defaultSensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"redis_url",
}

// Redactor masks client addresses, e-mail shaped identifiers and secrets in
// log attributes.
type Redactor struct {
	sensitiveKeys []string
}

// NewRedactor creates a Redactor with the default sensitive keys.
func NewRedactor() *Redactor {
	return &Redactor{sensitiveKeys: defaultSensitiveKeys}
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr function.
func (r *Redactor) ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey || a.Key == slog.LevelKey || a.Key == slog.SourceKey {
		return a
	}
	if r.isSensitiveKey(a.Key) {
		return slog.String(a.Key, "***")
	}

	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, r.RedactString(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, r.RedactString(err.Error()))
		}
	}
	return a
}

// RedactString masks every address and e-mail found in value.
func (r *Redactor) RedactString(value string) string {
	value = emailPattern.ReplaceAllStringFunc(value, RedactEmail)
	value = ipv4Pattern.ReplaceAllStringFunc(value, RedactIPv4)
	return ipv6Pattern.ReplaceAllStringFunc(value, func(s string) string {
		if addr, err := netip.ParseAddr(s); err == nil && addr.Is6() {
			return RedactIP(s)
		}
		return s
	})
}

func (r *Redactor) isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range r.sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// RedactEmail redacts an email address partially (shows first char and domain).
func RedactEmail(email string) string {
	username, domain, ok := strings.Cut(email, "@")
	if !ok {
		return email
	}
	if len(username) == 0 {
		return "***@" + domain
	}
	return string(username[0]) + "***@" + domain
}

// RedactIPv4 redacts an IPv4 address, keeping only the first octet.
func RedactIPv4(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ip
	}
	return parts[0] + ".*.*.*"
}

// RedactIP redacts an IPv4 or IPv6 address. IPv6 keeps the first hextet.
// Values that are not addresses are returned unchanged.
func RedactIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	if addr.Is4() {
		return RedactIPv4(ip)
	}
	full := addr.StringExpanded()
	first, _, _ := strings.Cut(full, ":")
	if first = strings.TrimLeft(first, "0"); first == "" {
		first = "0"
	}
	return first + ":*"
}
