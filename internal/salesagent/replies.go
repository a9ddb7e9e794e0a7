package salesagent

import (
	"fmt"
	"strings"

	"github.com/camino-travel/switchboard/pkg/models"
)

// Reply templates. Spanish is the house language; the chatbot handles other
// languages on content answers.
const (
	greetingReply = "¡Hola! Qué gusto saludarte, soy el asistente de viajes de Camino."

	ackPrefix = "¡Anotado!"

	waitingForAgentReply = "Un asesor está por atenderte. Gracias por tu paciencia, no necesitas escribir nada más."

	requestContactReply = "¡Excelente decisión! Para confirmar tu reserva solo me falta un correo o un teléfono de contacto. ¿Me lo compartes?"

	closingConfirmReply = "¡Listo! Registré tu intención de reserva. Un asesor te contactará muy pronto para confirmar el pago y los últimos detalles."

	closingHighValueReply = "¡Excelente! Por el tamaño de tu viaje te va a atender directamente uno de nuestros asesores senior. Te conecto en este momento."

	questionDestination = "¿A qué destino te gustaría viajar?"
	questionTimeline    = "¿Para qué fechas estás pensando viajar?"
	questionGroupSize   = "¿Cuántas personas viajarían?"
	questionBudget      = "¿Tienes un presupuesto aproximado por persona?"
	questionNeeds       = "¿Hay algo imprescindible para tu viaje? Por ejemplo todo incluido, vuelos o alguna ocasión especial."
)

// pushToClose rotates one closing nudge onto every chatbot answer.
var pushToClose = []string{
	"¿Te gustaría que apartemos tu lugar de una vez?",
	"Puedo dejarte la reserva preparada para que solo la confirmes. ¿Avanzamos?",
	"Estas salidas se llenan rápido; puedo apartar el precio por 24 horas si quieres.",
	"Si te convence, aquí mismo dejamos tu lugar apartado. ¿Procedemos?",
}

// nextFieldQuestion picks the question for the highest-priority missing
// qualification field.
func nextFieldQuestion(q *models.SalesQualification) (string, []models.QuickReply) {
	switch {
	case len(q.Destinations) == 0:
		return questionDestination, destinationQuickReplies()
	case q.Timeline == "" || q.Timeline == models.TimelineUnknown:
		return questionTimeline, timelineQuickReplies()
	case q.GroupSize == 0:
		return questionGroupSize, nil
	case q.BudgetRange == "":
		return questionBudget, nil
	default:
		return questionNeeds, nil
	}
}

func destinationQuickReplies() []models.QuickReply {
	return []models.QuickReply{
		{Title: "Cancún", Payload: "Quiero viajar a Cancún"},
		{Title: "Los Cabos", Payload: "Quiero viajar a Los Cabos"},
		{Title: "Puerto Vallarta", Payload: "Quiero viajar a Puerto Vallarta"},
	}
}

func timelineQuickReplies() []models.QuickReply {
	return []models.QuickReply{
		{Title: "Este mes", Payload: "Quiero viajar este mes"},
		{Title: "Próximo mes", Payload: "Quiero viajar el próximo mes"},
		{Title: "Aún no sé", Payload: "Todavía no sé las fechas"},
	}
}

func offerQuickReplies() []models.QuickReply {
	return []models.QuickReply{
		{Title: "Ver opciones", Payload: "Sí, muéstrame las opciones"},
		{Title: "Hablar con asesor", Payload: "Quiero hablar con un asesor"},
	}
}

// qualifiedSummary recaps the captured fields and offers to show options.
func qualifiedSummary(q *models.SalesQualification) string {
	var b strings.Builder
	b.WriteString("¡Perfecto, ya tengo lo necesario para ayudarte! Busco opciones")
	if len(q.Destinations) > 0 {
		b.WriteString(" para ")
		b.WriteString(strings.Join(q.Destinations, " y "))
	}
	if q.GroupSize > 0 {
		b.WriteString(", ")
		b.WriteString(groupPhrase(q.GroupSize))
	}
	if phrase := timelinePhrase(q.Timeline); phrase != "" {
		b.WriteString(", ")
		b.WriteString(phrase)
	}
	if q.BudgetRange != "" {
		b.WriteString(", con presupuesto de ")
		b.WriteString(q.BudgetRange)
	}
	b.WriteString(". ¿Te comparto las opciones disponibles?")
	return b.String()
}

func groupPhrase(n int) string {
	if n == 1 {
		return "para una persona"
	}
	return fmt.Sprintf("para %d personas", n)
}

func timelinePhrase(t models.Timeline) string {
	switch t {
	case models.TimelineImmediate:
		return "saliendo lo antes posible"
	case models.TimelineOneToTwoW:
		return "para las próximas dos semanas"
	case models.TimelineOneToThreeM:
		return "para los próximos meses"
	case models.TimelineLater:
		return "para más adelante este año"
	default:
		return ""
	}
}
