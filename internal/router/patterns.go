package router

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/camino-travel/switchboard/internal/config"
	"github.com/camino-travel/switchboard/pkg/models"
)

// PatternFile is the on-disk shape of an ops-maintained pattern set
// (routing.patterns_file). Patterns are Go regular expressions matched
// against the folded message text: lowercase, accents stripped. Files may be
// YAML or JSON5 and may compose fragments with $include.
type PatternFile struct {
	Intents            map[string][]WeightedPattern `yaml:"intents" json:"intents"`
	Departments        map[string][]string          `yaml:"departments" json:"departments"`
	PurchaseSignals    []string                     `yaml:"purchase_signals" json:"purchase_signals"`
	TimeWasterPhrases  []string                     `yaml:"time_waster_phrases" json:"time_waster_phrases"`
	VIPKeywords        []string                     `yaml:"vip_keywords" json:"vip_keywords"`
	EscalationTriggers map[string][]string          `yaml:"escalation_triggers" json:"escalation_triggers"`
	ClosingSignals     []string                     `yaml:"closing_signals" json:"closing_signals"`
}

// WeightedPattern scores intent matches. Weight defaults to 1.
type WeightedPattern struct {
	Pattern string  `yaml:"pattern" json:"pattern"`
	Weight  float64 `yaml:"weight" json:"weight"`
}

type weightedRe struct {
	re     *regexp.Regexp
	weight float64
}

type triggerRe struct {
	reason string
	res    []*regexp.Regexp
}

// Patterns is a compiled, immutable pattern set. The router swaps the whole
// value atomically on hot reload, so methods never lock.
type Patterns struct {
	intents     map[models.Intent][]weightedRe
	departments []deptRes
	signals     []*regexp.Regexp
	timeWaster  []*regexp.Regexp
	vip         []*regexp.Regexp
	escalation  []triggerRe
	closing     []*regexp.Regexp
}

type deptRes struct {
	dept models.Department
	res  []*regexp.Regexp
}

// intentPriority breaks score ties: earlier wins.
var intentPriority = []models.Intent{
	models.IntentBooking,
	models.IntentQuote,
	models.IntentComplaint,
	models.IntentModification,
	models.IntentCancellation,
	models.IntentInfo,
	models.IntentQuestion,
	models.IntentBrowsing,
}

// departmentPriority orders the explicit department checks; earlier wins.
var departmentPriority = []models.Department{
	models.DeptCustomerService,
	models.DeptTechnicalSupport,
	models.DeptGroupsQuotes,
	models.DeptSales,
	models.DeptGeneralInfo,
}

// Compile validates and compiles a pattern file. Every regex must compile
// and every intent/department key must name a known tag.
func Compile(pf *PatternFile) (*Patterns, error) {
	if pf == nil {
		return nil, fmt.Errorf("pattern file is nil")
	}

	p := &Patterns{
		intents: make(map[models.Intent][]weightedRe, len(pf.Intents)),
	}

	for name, entries := range pf.Intents {
		intent := models.Intent(name)
		known := false
		for _, candidate := range intentPriority {
			if intent == candidate {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("intents.%s: unknown intent", name)
		}
		for i, entry := range entries {
			re, err := regexp.Compile(entry.Pattern)
			if err != nil {
				return nil, fmt.Errorf("intents.%s[%d]: %w", name, i, err)
			}
			weight := entry.Weight
			if weight == 0 {
				weight = 1
			}
			p.intents[intent] = append(p.intents[intent], weightedRe{re: re, weight: weight})
		}
	}

	for _, dept := range departmentPriority {
		raw, ok := pf.Departments[string(dept)]
		if !ok {
			continue
		}
		compiled, err := compileAll(raw, "departments."+string(dept))
		if err != nil {
			return nil, err
		}
		p.departments = append(p.departments, deptRes{dept: dept, res: compiled})
	}
	for name := range pf.Departments {
		if !models.Department(name).Valid() || models.Department(name) == models.DeptUnknown {
			return nil, fmt.Errorf("departments.%s: unknown department", name)
		}
	}

	var err error
	if p.signals, err = compileAll(pf.PurchaseSignals, "purchase_signals"); err != nil {
		return nil, err
	}
	if p.timeWaster, err = compileAll(pf.TimeWasterPhrases, "time_waster_phrases"); err != nil {
		return nil, err
	}
	if p.vip, err = compileAll(pf.VIPKeywords, "vip_keywords"); err != nil {
		return nil, err
	}
	if p.closing, err = compileAll(pf.ClosingSignals, "closing_signals"); err != nil {
		return nil, err
	}

	reasons := make([]string, 0, len(pf.EscalationTriggers))
	for reason := range pf.EscalationTriggers {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		compiled, err := compileAll(pf.EscalationTriggers[reason], "escalation_triggers."+reason)
		if err != nil {
			return nil, err
		}
		p.escalation = append(p.escalation, triggerRe{reason: reason, res: compiled})
	}

	return p, nil
}

func compileAll(raw []string, section string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(raw))
	for i, pattern := range raw {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", section, i, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// LoadPatternsFile reads and compiles an ops pattern file, resolving
// $include fragments and JSON5 syntax through the config raw loader.
func LoadPatternsFile(path string) (*Patterns, error) {
	raw, err := config.LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load patterns %s: %w", path, err)
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("load patterns %s: %w", path, err)
	}
	var pf PatternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("load patterns %s: %w", path, err)
	}
	p, err := Compile(&pf)
	if err != nil {
		return nil, fmt.Errorf("load patterns %s: %w", path, err)
	}
	return p, nil
}

// ClassifyIntent scores every intent's patterns against the folded text and
// returns the best one. Ties resolve by the fixed priority order; an
// all-zero score yields IntentUnknown.
func (p *Patterns) ClassifyIntent(folded string) models.Intent {
	best := models.IntentUnknown
	bestScore := 0.0
	for _, intent := range intentPriority {
		score := 0.0
		for _, wp := range p.intents[intent] {
			if n := len(wp.re.FindAllStringIndex(folded, -1)); n > 0 {
				score += wp.weight * float64(n)
			}
		}
		if score > bestScore {
			best = intent
			bestScore = score
		}
	}
	return best
}

// ClassifyDepartment runs the explicit department patterns in priority
// order. The second return is false when no explicit pattern matches and the
// caller should fall back to the intent table.
func (p *Patterns) ClassifyDepartment(folded string) (models.Department, bool) {
	for _, d := range p.departments {
		for _, re := range d.res {
			if re.MatchString(folded) {
				return d.dept, true
			}
		}
	}
	return models.DeptUnknown, false
}

// CountPurchaseSignals counts how many distinct signal patterns the folded
// text matches. One message mentioning availability and payment counts two.
func (p *Patterns) CountPurchaseSignals(folded string) int {
	count := 0
	for _, re := range p.signals {
		if re.MatchString(folded) {
			count++
		}
	}
	return count
}

// TimeWasterPhraseScore returns 1.0 per occurrence of a time-waster phrase.
func (p *Patterns) TimeWasterPhraseScore(folded string) float64 {
	score := 0.0
	for _, re := range p.timeWaster {
		score += float64(len(re.FindAllStringIndex(folded, -1)))
	}
	return score
}

// MatchVIP reports whether the folded text carries a VIP keyword.
func (p *Patterns) MatchVIP(folded string) bool {
	for _, re := range p.vip {
		if re.MatchString(folded) {
			return true
		}
	}
	return false
}

// MatchEscalationTrigger returns the first (alphabetically ordered) trigger
// reason whose patterns match the folded text.
func (p *Patterns) MatchEscalationTrigger(folded string) (string, bool) {
	for _, trig := range p.escalation {
		for _, re := range trig.res {
			if re.MatchString(folded) {
				return trig.reason, true
			}
		}
	}
	return "", false
}

// MatchClosing reports whether the folded text signals readiness to buy.
func (p *Patterns) MatchClosing(folded string) bool {
	for _, re := range p.closing {
		if re.MatchString(folded) {
			return true
		}
	}
	return false
}

// withExtraVIP returns a copy of p with additional VIP keyword patterns.
// Keywords are folded and matched literally on word boundaries.
func (p *Patterns) withExtraVIP(keywords []string) *Patterns {
	if len(keywords) == 0 {
		return p
	}
	cp := *p
	cp.vip = append(append([]*regexp.Regexp(nil), p.vip...), literalKeywordRes(keywords)...)
	return &cp
}

func literalKeywordRes(keywords []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(keywords))
	for _, kw := range keywords {
		folded := Fold(kw)
		if folded == "" {
			continue
		}
		res = append(res, regexp.MustCompile(`\b`+regexp.QuoteMeta(folded)+`\b`))
	}
	return res
}
