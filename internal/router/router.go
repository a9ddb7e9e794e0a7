// Package router scores and classifies inbound messages. Evaluate is pure:
// it never performs I/O and never mutates the session snapshot it is given.
// The gateway applies the returned Evaluation under the per-session lock.
package router

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/camino-travel/switchboard/pkg/models"
)

// HintCollectContact asks the AI path to work a contact identifier out of
// the customer before pushing toward a sale.
const HintCollectContact = "collect_contact"

// Config carries the router tunables.
type Config struct {
	// TimeWasterThreshold reclassifies the customer once the accumulated
	// score reaches it.
	TimeWasterThreshold float64

	// MaxAIAttempts bounds AI turns for a hot lead before forced escalation.
	MaxAIAttempts int

	// VIPKeywords extends the built-in VIP keyword patterns. Matched
	// case- and accent-insensitively on word boundaries.
	VIPKeywords []string
}

// Router turns (message, session snapshot) into an Evaluation. Safe for
// concurrent use; the pattern set swaps atomically on hot reload.
type Router struct {
	cfg      Config
	patterns atomic.Pointer[Patterns]
}

// New builds a router over the given pattern set. A nil set means the
// built-in defaults.
func New(cfg Config, pats *Patterns) *Router {
	if cfg.TimeWasterThreshold <= 0 {
		cfg.TimeWasterThreshold = 7.0
	}
	if cfg.MaxAIAttempts <= 0 {
		cfg.MaxAIAttempts = 3
	}
	if pats == nil {
		pats = DefaultPatterns()
	}
	r := &Router{cfg: cfg}
	r.patterns.Store(pats.withExtraVIP(cfg.VIPKeywords))
	return r
}

// SwapPatterns replaces the compiled pattern set. Configured VIP keywords
// are re-applied so a reload cannot drop them.
func (r *Router) SwapPatterns(pats *Patterns) {
	if pats == nil {
		return
	}
	r.patterns.Store(pats.withExtraVIP(r.cfg.VIPKeywords))
}

// Patterns returns the active pattern set. The sales agent shares it for
// escalation-trigger and closing-signal checks.
func (r *Router) Patterns() *Patterns {
	return r.patterns.Load()
}

// Evaluation is everything one message changes about a session, plus the
// routing decision computed from the post-change view. The counters carry
// deltas, not totals, so the gateway can apply them atomically under the
// session lock.
type Evaluation struct {
	Contact  ContactUpdate
	Language string

	Intent     models.Intent
	Department models.Department

	SignalsDelta    int
	QuestionAsked   bool
	TimeWasterDelta float64

	CustomerType models.CustomerType
	GroupSize    int

	Decision models.RoutingDecision
}

// Evaluate runs the scoring pipeline over one message. The snapshot's
// MessageCount must already include this message; QuestionCount, signals and
// the time-waster score must not, so the '?' accumulation rule sees the
// counters as they stood before this message.
func (r *Router) Evaluate(msg *models.NormalizedMessage, snap *models.ConversationContext) Evaluation {
	pats := r.patterns.Load()
	folded := Fold(msg.Text)

	var ev Evaluation

	found := ExtractContact(msg.Text)
	if snap.Contact.Name == "" {
		ev.Contact.Name = found.Name
	}
	if snap.Contact.Email == "" {
		ev.Contact.Email = found.Email
	}
	if snap.Contact.Phone == "" {
		ev.Contact.Phone = found.Phone
	}
	effective := snap.Contact
	if effective.Name == "" {
		effective.Name = ev.Contact.Name
	}
	if effective.Email == "" {
		effective.Email = ev.Contact.Email
	}
	if effective.Phone == "" {
		effective.Phone = ev.Contact.Phone
	}

	if snap.Contact.Language == "" {
		if lang := DetectLanguage(msg.Text); lang != "" {
			ev.Language = lang
		} else {
			ev.Language = "es"
		}
	}

	ev.Intent = pats.ClassifyIntent(folded)
	ev.GroupSize = DetectGroupSize(folded)
	ev.Department = classifyDepartment(pats, folded, ev.Intent, ev.GroupSize, snap.Department)

	ev.SignalsDelta = pats.CountPurchaseSignals(folded)
	signals := snap.PurchaseSignals + ev.SignalsDelta

	ev.QuestionAsked = strings.Contains(msg.Text, "?")
	delta := pats.TimeWasterPhraseScore(folded)
	if ev.QuestionAsked && snap.QuestionCount > 5 && snap.PurchaseSignals == 0 {
		delta += 0.5
	}
	if snap.MessageCount > 8 && !effective.Populated() {
		delta += 1.5
	}
	if snap.MessageCount > 15 && snap.PurchaseSignals < 2 {
		delta += 2.0
	}
	ev.TimeWasterDelta = delta
	score := snap.TimeWasterScore + delta

	ev.CustomerType = r.reclassify(pats, folded, snap.CustomerType, ev.GroupSize, score, signals)

	ev.Decision = r.decide(snap, &ev, effective, signals)
	return ev
}

// Apply folds the evaluation into the context. Must run under the session
// lock. Empty contact fields never erase collected ones and verified values
// are never touched.
func (ev *Evaluation) Apply(c *models.ConversationContext, now time.Time) {
	if !ev.Contact.IsZero() && !c.Contact.Verified {
		if c.Contact.Name == "" && ev.Contact.Name != "" {
			c.Contact.Name = ev.Contact.Name
		}
		if c.Contact.Email == "" && ev.Contact.Email != "" {
			c.Contact.Email = ev.Contact.Email
		}
		if c.Contact.Phone == "" && ev.Contact.Phone != "" {
			c.Contact.Phone = ev.Contact.Phone
		}
		if c.Contact.CollectedAt == nil && c.Contact.Populated() {
			t := now
			c.Contact.CollectedAt = &t
		}
	}
	if ev.Language != "" && c.Contact.Language == "" {
		c.Contact.Language = ev.Language
	}

	if ev.Intent != models.IntentUnknown {
		c.Intent = ev.Intent
	}
	c.Department = ev.Department
	c.PurchaseSignals += ev.SignalsDelta
	if ev.QuestionAsked {
		c.QuestionCount++
	}
	c.TimeWasterScore += ev.TimeWasterDelta
	c.CustomerType = ev.CustomerType

	if ev.Decision.HumanBound() {
		c.Priority = ev.Decision.Priority
	}
}

func (r *Router) reclassify(pats *Patterns, folded string, prior models.CustomerType, groupSize int, score float64, signals int) models.CustomerType {
	switch {
	case prior == models.CustomerVIP || pats.MatchVIP(folded):
		return models.CustomerVIP
	case prior == models.CustomerGroup || groupSize >= 10:
		return models.CustomerGroup
	case score >= r.cfg.TimeWasterThreshold:
		return models.CustomerTimeWaster
	case signals >= 2:
		return models.CustomerPotential
	default:
		return prior
	}
}

func classifyDepartment(pats *Patterns, folded string, intent models.Intent, groupSize int, prior models.Department) models.Department {
	if dept, ok := pats.ClassifyDepartment(folded); ok {
		return dept
	}
	if groupSize >= 10 {
		return models.DeptGroupsQuotes
	}
	if dept := intentDepartment(intent); dept != models.DeptUnknown {
		return dept
	}
	if prior != models.DeptUnknown {
		return prior
	}
	return models.DeptGeneralInfo
}

func intentDepartment(intent models.Intent) models.Department {
	switch intent {
	case models.IntentBooking:
		return models.DeptSales
	case models.IntentQuote:
		return models.DeptGroupsQuotes
	case models.IntentInfo:
		return models.DeptGeneralInfo
	case models.IntentComplaint, models.IntentModification, models.IntentCancellation:
		return models.DeptCustomerService
	default:
		return models.DeptUnknown
	}
}

// decide applies the routing ladder top-down; the first matching rule wins.
func (r *Router) decide(snap *models.ConversationContext, ev *Evaluation, contact models.ContactInfo, signals int) models.RoutingDecision {
	switch {
	case ev.CustomerType == models.CustomerVIP:
		return humanDecision(models.ActionRouteToHuman, models.DeptVIPService, 1, "vip_customer")

	case ev.Intent == models.IntentComplaint:
		return humanDecision(models.ActionRouteToHuman, models.DeptCustomerService, 2, "complaint")

	case ev.CustomerType == models.CustomerGroup:
		return humanDecision(models.ActionRouteToHuman, models.DeptGroupsQuotes, 3, "group_quote")

	case ev.CustomerType == models.CustomerTimeWaster:
		return aiDecision(ev.Department, false, "time_waster", "")

	case signals >= 3 && contact.HasReachableContact():
		if snap.RoutingMode == models.RoutingHumanDirect {
			return humanDecision(models.ActionRouteToHuman, models.DeptSales, 2, "hot_lead")
		}
		if snap.AIAttempts < r.cfg.MaxAIAttempts {
			return aiDecision(models.DeptSales, true, "hot_lead_ai", "")
		}
		return humanDecision(models.ActionEscalateToHuman, models.DeptSales, 2, "ai_attempts_exhausted")

	case signals >= 3:
		return aiDecision(models.DeptSales, true, "hot_lead_no_contact", HintCollectContact)

	case ev.Intent == models.IntentInfo && ev.Department == models.DeptGeneralInfo:
		return aiDecision(models.DeptGeneralInfo, false, "faq", "")

	default:
		return aiDecision(ev.Department, true, "default_ai", "")
	}
}

func humanDecision(action models.RoutingAction, dept models.Department, priority int, reason string) models.RoutingDecision {
	return models.RoutingDecision{
		Action:             action,
		Department:         dept,
		Priority:           priority,
		AllowEscalation:    false,
		Reason:             reason,
		SuggestedAgentKind: models.AgentKindHuman,
	}
}

func aiDecision(dept models.Department, allowEscalation bool, reason, hint string) models.RoutingDecision {
	return models.RoutingDecision{
		Action:             models.ActionRouteToAI,
		Department:         dept,
		Priority:           3,
		AllowEscalation:    allowEscalation,
		Reason:             reason,
		Hint:               hint,
		SuggestedAgentKind: models.AgentKindAI,
	}
}
