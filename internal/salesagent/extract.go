package salesagent

import (
	"regexp"
	"strings"

	"github.com/camino-travel/switchboard/internal/router"
	"github.com/camino-travel/switchboard/pkg/models"
)

// All extraction patterns run against folded text: lowercase, accents
// stripped. See router.Fold.
var (
	greetingOnlyRe = regexp.MustCompile(`^[\s!¡¿?.,]*(?:(?:hola|buenos dias|buenas tardes|buenas noches|buen dia|que tal|hey|saludos)[\s!¡¿?.,]*)+$`)

	budgetRangeRe  = regexp.MustCompile(`\bentre\s+\$?\d[\d.,]*\s?(?:mil|k)?\s+y\s+\$?\d[\d.,]*\s?(?:mil|k)?(?:\s?(?:pesos|mxn|usd|dolares))?`)
	budgetAmountRe = regexp.MustCompile(`\$\s?\d[\d.,]*(?:\s?(?:mil|k|mxn|usd))?|\b\d[\d.,]*\s?mil(?:\s?pesos)?\b|\b\d[\d.,]*\s?(?:pesos|mxn|usd|dolares)\b|\b\d+k\b`)

	highValueBudgetRe = regexp.MustCompile(`\bmil\b|\dk\b|,000`)

	soloRe   = regexp.MustCompile(`viaj(?:o|are|aria) sol[oa]\b|\byo sol[oa]\b|\bsolo yo\b`)
	coupleRe = regexp.MustCompile(`\ben pareja\b|\bmi pareja\b|\bmi espos[oa]\b|\bmi novi[oa]\b|\blos dos solos\b`)
	familyRe = regexp.MustCompile(`\b(?:mi|la|en) familia\b|\bviaje familiar\b`)

	decisionMakerRe = regexp.MustCompile(`\byo decido\b|\bes mi decision\b|\byo tomo la decision\b|\bla decision es mia\b|\bdepende de mi\b|\byo elijo\b`)
)

var timelineRules = []struct {
	re       *regexp.Regexp
	timeline models.Timeline
}{
	{regexp.MustCompile(`\burgente\b|lo antes posible|cuanto antes|ya mismo|de inmediato|\bhoy\b|\bmanana\b|esta semana|este fin de semana`), models.TimelineImmediate},
	{regexp.MustCompile(`proxima semana|siguiente semana|en (?:dos|2) semanas|en (?:quince|15) dias|este mes`), models.TimelineOneToTwoW},
	{regexp.MustCompile(`proximo mes|siguiente mes|el mes que viene|en (?:un|1) mes|en (?:dos|2) meses|en (?:tres|3) meses|en un par de meses`), models.TimelineOneToThreeM},
	{regexp.MustCompile(`proximo ano|el otro ano|fin de ano|en (?:cuatro|seis|4|6) meses|mas adelante|todavia no (?:se|sabemos)`), models.TimelineLater},
}

// destinations is the fixed gazetteer. Matching is on folded text; the stored
// value is the display form used in replies.
var destinations = []struct {
	display string
	re      *regexp.Regexp
}{
	{"Cancún", regexp.MustCompile(`\bcancun\b`)},
	{"Los Cabos", regexp.MustCompile(`\blos cabos\b`)},
	{"Puerto Vallarta", regexp.MustCompile(`\bpuerto vallarta\b`)},
	{"Riviera Maya", regexp.MustCompile(`\briviera maya\b`)},
	{"Playa del Carmen", regexp.MustCompile(`\bplaya del carmen\b`)},
	{"Tulum", regexp.MustCompile(`\btulum\b`)},
	{"Cozumel", regexp.MustCompile(`\bcozumel\b`)},
	{"Huatulco", regexp.MustCompile(`\bhuatulco\b`)},
	{"Mazatlán", regexp.MustCompile(`\bmazatlan\b`)},
	{"Acapulco", regexp.MustCompile(`\bacapulco\b`)},
	{"Oaxaca", regexp.MustCompile(`\boaxaca\b`)},
	{"Chiapas", regexp.MustCompile(`\bchiapas\b`)},
	{"Mérida", regexp.MustCompile(`\bmerida\b`)},
	{"Ciudad de México", regexp.MustCompile(`\bcdmx\b|\bciudad de mexico\b`)},
	{"San Miguel de Allende", regexp.MustCompile(`\bsan miguel de allende\b`)},
	{"Guadalajara", regexp.MustCompile(`\bguadalajara\b`)},
}

// specificNeeds are trip requirements worth carrying into the handoff
// summary.
var specificNeeds = []struct {
	label string
	re    *regexp.Regexp
}{
	{"todo incluido", regexp.MustCompile(`\btodo incluido\b`)},
	{"solo hospedaje", regexp.MustCompile(`\bsolo hospedaje\b`)},
	{"con vuelos", regexp.MustCompile(`\bcon vuelos?\b|\bvuelos? incluidos?\b`)},
	{"luna de miel", regexp.MustCompile(`\bluna de miel\b`)},
	{"aniversario", regexp.MustCompile(`\baniversario\b`)},
	{"boda", regexp.MustCompile(`\bbodas?\b`)},
	{"buceo", regexp.MustCompile(`\bbuce(?:o|ar)\b|\bsnorkel\b`)},
	{"accesibilidad", regexp.MustCompile(`\bsilla de ruedas\b|\baccesible\b`)},
	{"viaje con mascota", regexp.MustCompile(`\bmascotas?\b|\bpet friendly\b`)},
}

// applyExtraction pulls qualification fields out of one folded message and
// merges them into q. Budget, timeline and group size take the latest value;
// destinations and needs accumulate; decision maker is sticky once true.
// Reports whether anything changed.
func applyExtraction(folded string, q *models.SalesQualification) bool {
	changed := false

	if m := matchBudget(folded); m != "" && m != q.BudgetRange {
		q.BudgetRange = m
		changed = true
	}
	if tl, ok := detectTimeline(folded); ok && tl != q.Timeline {
		q.Timeline = tl
		changed = true
	}
	if n := detectGroupSize(folded); n > 0 && n != q.GroupSize {
		q.GroupSize = n
		changed = true
	}
	for _, d := range destinations {
		if d.re.MatchString(folded) && !q.HasDestination(d.display) {
			q.Destinations = append(q.Destinations, d.display)
			changed = true
		}
	}
	if !q.DecisionMaker && decisionMakerRe.MatchString(folded) {
		q.DecisionMaker = true
		changed = true
	}
	for _, n := range specificNeeds {
		if n.re.MatchString(folded) && !hasNeed(q, n.label) {
			q.SpecificNeeds = append(q.SpecificNeeds, n.label)
			changed = true
		}
	}
	return changed
}

func matchBudget(folded string) string {
	if m := budgetRangeRe.FindString(folded); m != "" {
		return strings.TrimSpace(m)
	}
	if m := budgetAmountRe.FindString(folded); m != "" {
		return strings.TrimSpace(m)
	}
	return ""
}

func detectTimeline(folded string) (models.Timeline, bool) {
	for _, rule := range timelineRules {
		if rule.re.MatchString(folded) {
			return rule.timeline, true
		}
	}
	return models.TimelineUnknown, false
}

// detectGroupSize prefers an explicit headcount and falls back to household
// keywords.
func detectGroupSize(folded string) int {
	if n := router.DetectGroupSize(folded); n > 0 {
		return n
	}
	switch {
	case soloRe.MatchString(folded):
		return 1
	case coupleRe.MatchString(folded):
		return 2
	case familyRe.MatchString(folded):
		return 4
	}
	return 0
}

func hasNeed(q *models.SalesQualification, label string) bool {
	for _, n := range q.SpecificNeeds {
		if n == label {
			return true
		}
	}
	return false
}

// scoreQualification recomputes the lead score from the captured fields. The
// caller clamps via SetScore.
func scoreQualification(q *models.SalesQualification) float64 {
	score := 0.0
	if q.BudgetRange != "" {
		score += 2.5
	}
	if q.Timeline != "" && q.Timeline != models.TimelineUnknown {
		score += 2.0
		if q.Timeline == models.TimelineImmediate {
			score += 1.0
		}
	}
	if q.GroupSize > 0 {
		score += 1.5
	}
	if len(q.Destinations) > 0 {
		score += 1.5
	}
	if q.DecisionMaker {
		score += 1.5
	}
	return score
}
