package identity

import (
	"fmt"
	"strings"
	"time"
)

// CleanCPF strips everything but digits.
func CleanCPF(s string) string {
	return digitsOnly(s)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidateCPF reports whether s, after removing punctuation, is an
// 11-digit CPF with correct check digits. Repeated-digit numbers such as
// 111.111.111-11 pass the checksum but are never issued and are rejected.
func ValidateCPF(s string) bool {
	cpf := CleanCPF(s)
	if len(cpf) != 11 {
		return false
	}
	if strings.Count(cpf, cpf[:1]) == 11 {
		return false
	}
	d1 := cpfCheckDigit(cpf[:9])
	d2 := cpfCheckDigit(cpf[:9] + string(rune('0'+d1)))
	return int(cpf[9]-'0') == d1 && int(cpf[10]-'0') == d2
}

// cpfCheckDigit computes one mod-11 check digit. Weights run from
// len(digits)+1 down to 2.
func cpfCheckDigit(digits string) int {
	sum := 0
	weight := len(digits) + 1
	for i := 0; i < len(digits); i++ {
		sum += int(digits[i]-'0') * weight
		weight--
	}
	rem := sum % 11
	if rem < 2 {
		return 0
	}
	return 11 - rem
}

// CompleteCPF appends both check digits to a 9-digit prefix.
func CompleteCPF(prefix string) (string, error) {
	prefix = CleanCPF(prefix)
	if len(prefix) != 9 {
		return "", fmt.Errorf("cpf prefix must have 9 digits, got %d", len(prefix))
	}
	d1 := cpfCheckDigit(prefix)
	withFirst := prefix + string(rune('0'+d1))
	return withFirst + string(rune('0'+cpfCheckDigit(withFirst))), nil
}

// FormatCPF renders 52998224725 as 529.982.247-25. Input that is not 11
// digits is returned unchanged.
func FormatCPF(s string) string {
	cpf := CleanCPF(s)
	if len(cpf) != 11 {
		return s
	}
	return cpf[:3] + "." + cpf[3:6] + "." + cpf[6:9] + "-" + cpf[9:]
}

// FormatPhone renders Brazilian mobile (11 digits) and landline (10
// digits) numbers; anything else is returned unchanged.
func FormatPhone(s string) string {
	p := digitsOnly(s)
	switch len(p) {
	case 11:
		return "(" + p[:2] + ") " + p[2:7] + "-" + p[7:]
	case 10:
		return "(" + p[:2] + ") " + p[2:6] + "-" + p[6:]
	default:
		return s
	}
}

// Age returns completed years between birth and now.
func Age(birth, now time.Time) int {
	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}
