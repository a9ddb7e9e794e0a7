package chatbot

import (
	"context"
	"regexp"

	"github.com/camino-travel/switchboard/internal/router"
)

// Rules is the default engine: a deterministic keyword FAQ. It needs no
// credentials, answers instantly and gives tests reproducible confidence
// values. Patterns match lowercased, accent-stripped text.
type Rules struct {
	entries []faqEntry
}

type faqEntry struct {
	re         *regexp.Regexp
	reply      string
	intent     string
	confidence float64
}

// NewRules builds the built-in FAQ engine.
func NewRules() *Rules {
	mk := func(pattern, reply, intent string, confidence float64) faqEntry {
		return faqEntry{
			re:         regexp.MustCompile(pattern),
			reply:      reply,
			intent:     intent,
			confidence: confidence,
		}
	}
	return &Rules{entries: []faqEntry{
		mk(`\b(hola|buenos dias|buenas tardes|buenas noches|que tal)\b`,
			"¡Hola! Soy el asistente virtual de la agencia. ¿En qué puedo ayudarte con tu próximo viaje?",
			"greeting", 0.95),
		mk(`\bgracias\b`,
			"¡Con mucho gusto! Si necesitas algo más sobre tu viaje, aquí estoy.",
			"thanks", 0.95),
		mk(`horarios?|a que hora (abren|cierran)`,
			"Nuestro equipo atiende de lunes a sábado de 9:00 a 19:00 (hora centro). Por este chat te ayudo a cualquier hora.",
			"hours", 0.9),
		mk(`que incluye|itinerario|detalles del (paquete|tour)`,
			"Nuestros paquetes incluyen transporte, hospedaje y las actividades marcadas en el itinerario. ¿De qué destino te comparto el detalle?",
			"package_info", 0.85),
		mk(`formas? de pago|metodos? de pago|aceptan tarjeta`,
			"Aceptamos tarjeta de crédito y débito, transferencia y pagos en tienda. Un asesor confirma contigo el plan de pagos al reservar.",
			"payment_info", 0.85),
		mk(`\b(cancun|los cabos|puerto vallarta|riviera maya|tulum|oaxaca|chiapas|cdmx)\b`,
			"¡Excelente elección de destino! Tenemos salidas todo el año y paquetes desde 3 noches. ¿Para qué fechas estás pensando viajar?",
			"destination_info", 0.85),
		mk(`\bclima\b|temporada de lluvias`,
			"La temporada seca (noviembre a abril) es la más recomendada para playa; el verano es ideal para precios bajos. ¿Qué destino te interesa?",
			"weather_info", 0.8),
		mk(`documentos? para viajar dentro de`,
			"Para viajes nacionales solo necesitas identificación oficial vigente. Para el extranjero depende del destino y eso lo revisa un asesor contigo.",
			"documents_info", 0.75),
		mk(`\badios\b|hasta luego|nos vemos`,
			"¡Hasta pronto! Cuando quieras retomar tu viaje, escríbenos por aquí.",
			"farewell", 0.95),
	}}
}

// Reply matches the FAQ in declaration order. Unmatched questions return a
// generic answer with low confidence so the caller can escalate.
func (r *Rules) Reply(_ context.Context, req Request) (Answer, error) {
	folded := router.Fold(req.Text)
	for _, entry := range r.entries {
		if entry.re.MatchString(folded) {
			return Answer{Text: entry.reply, Confidence: entry.confidence, Intent: entry.intent}, nil
		}
	}
	return Answer{
		Text:       "Esa es una buena pregunta. Déjame conectarte con un asesor que te la responda con precisión.",
		Confidence: 0.3,
		Intent:     "unknown",
	}, nil
}
