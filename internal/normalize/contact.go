package normalize

import (
	"net/mail"
	"strings"
)

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// phone keeps the 10-digit NANP number. An 11-digit number is accepted only
// with a leading country digit 1, which is dropped.
func phone(raw string) (string, string) {
	d := digitsOnly(raw)
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	if len(d) != 10 {
		return "", "want 10 digits"
	}
	return d, ""
}

func email(raw string) (string, string) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "mailto:")
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return "", "not a bare email address"
	}
	return s, ""
}

// website compares hosts and paths only: scheme, www. and trailing slashes
// are dropped.
func website(raw string) (string, string) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimRight(s, "/")
	if s == "" || strings.ContainsAny(s, " \t") || !strings.Contains(s, ".") {
		return "", "not a host name"
	}
	return s, ""
}

func zip(raw string) (string, string) {
	d := digitsOnly(raw)
	switch len(d) {
	case 5:
		return d, ""
	case 9:
		return d[:5] + "-" + d[5:], ""
	}
	return "", "want 5 or 9 digits"
}

// npi accepts a 10-digit identifier whose last digit is the Luhn check digit
// computed over the 80840 card-issuer prefix.
func npi(raw string) (string, string) {
	s := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	if len(s) != 10 || digitsOnly(s) != s {
		return "", "want 10 digits"
	}
	if !luhnValid("80840" + s) {
		return "", "check digit mismatch"
	}
	return s, ""
}

func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func license(raw string) (string, string) {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", "no alphanumerics"
	}
	return b.String(), ""
}
