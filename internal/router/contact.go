package router

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/abadojack/whatlanggo"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	// Loose candidate scan; normalizePhone decides whether a candidate is
	// actually E.164-normalizable.
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-().]{5,18}\d`)

	// Names arrive as "me llamo Ana", "mi nombre es Juan Perez", "soy Maria".
	// The capture requires capitalized tokens so "soy de cancun" stays out.
	nameRe = regexp.MustCompile(`\b(?:[Mm]e llamo|[Mm]i nombre es|[Ss]oy)\s+([A-ZÁÉÍÓÚÑ][a-záéíóúñ]+(?:\s+[A-ZÁÉÍÓÚÑ][a-záéíóúñ]+){0,2})`)

	groupSizeRe = regexp.MustCompile(`\b(\d{1,4})\s+(?:personas|pasajeros)\b`)
)

// ContactUpdate carries the identifiers extracted from one message. Empty
// fields mean nothing was found.
type ContactUpdate struct {
	Name  string
	Email string
	Phone string
}

// IsZero reports whether the update carries nothing.
func (u ContactUpdate) IsZero() bool {
	return u.Name == "" && u.Email == "" && u.Phone == ""
}

// ExtractContact scans the raw (unfolded) text for an email, a phone and a
// name. Only the first match per field is returned.
func ExtractContact(text string) ContactUpdate {
	var u ContactUpdate
	if m := emailRe.FindString(text); m != "" {
		u.Email = strings.ToLower(m)
	}
	for _, candidate := range phoneRe.FindAllString(text, -1) {
		if normalized, ok := normalizePhone(candidate); ok {
			u.Phone = normalized
			break
		}
	}
	if m := nameRe.FindStringSubmatch(text); m != nil {
		u.Name = strings.TrimSpace(m[1])
	}
	return u
}

// normalizePhone strips formatting and keeps candidates with 7 to 15 digits,
// the E.164 length range. International prefixes keep their plus sign.
func normalizePhone(raw string) (string, bool) {
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	s := b.String()
	digits := strings.TrimPrefix(s, "+")
	if len(digits) < 7 || len(digits) > 15 {
		return "", false
	}
	return s, true
}

// DetectGroupSize returns the party size when the folded text states one
// ("25 personas", "12 pasajeros"); zero otherwise.
func DetectGroupSize(folded string) int {
	m := groupSizeRe.FindStringSubmatch(folded)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// DetectLanguage returns the ISO 639-1 code of the text's language when the
// detector is confident, or the empty string. The gateway runs this once per
// session on the first message.
func DetectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
