package gateway

import (
	"fmt"
	"math"

	"github.com/camino-travel/switchboard/pkg/models"
)

// User-facing gateway replies. Spanish is the house language; these cover the
// handoff and failure moments the sales agent does not own.
const (
	// genericFailureReply is the only message a user sees on a catastrophic
	// per-message failure. Everything else fails silently and relies on the
	// transport redelivering.
	genericFailureReply = "Tuvimos un problema técnico. Por favor, inténtalo de nuevo en un momento."

	// complaintAckReply leads with the apology before the wait notice.
	complaintAckReply = "Lamentamos mucho lo ocurrido. Un asesor de atención a clientes revisará tu caso y te atenderá"

	vipAckReply = "Gracias por escribirnos. Te conectamos de inmediato con uno de nuestros asesores preferentes"

	handoffAckReply = "Te estoy conectando con uno de nuestros asesores para que te atienda personalmente"

	waitAckReply = "¡Gracias por tu mensaje! Un asesor te atenderá"

	// stillQueuedReply answers messages that arrive while the conversation
	// already waits in a department queue.
	stillQueuedReply = "Seguimos en ello: un asesor está por atenderte. Gracias por tu paciencia."

	// clarifyReply stands in when an AI escalation is suppressed and the
	// agent produced no answer of its own.
	clarifyReply = "No estoy seguro de haber entendido. ¿Me cuentas un poco más para poder ayudarte?"
)

// humanAck picks the acknowledgement for a human-bound decision and appends
// the wait estimate.
func humanAck(reason string, waitS float64) string {
	switch reason {
	case "complaint":
		return complaintAckReply + " " + formatWait(waitS) + "."
	case "vip_customer":
		return vipAckReply + " " + formatWait(waitS) + "."
	default:
		return waitAckReply + " " + formatWait(waitS) + "."
	}
}

// escalationAck acknowledges an AI-to-human handoff.
func escalationAck(waitS float64) string {
	return handoffAckReply + " " + formatWait(waitS) + "."
}

// formatWait renders a wait estimate as a rough human phrase. Estimates are
// expectations, never promises, so everything rounds generously.
func formatWait(seconds float64) string {
	switch {
	case seconds <= 0:
		return "en breve"
	case seconds < 90:
		return "en aproximadamente un minuto"
	case seconds < 3600:
		return fmt.Sprintf("en aproximadamente %d minutos", int(math.Ceil(seconds/60)))
	default:
		return fmt.Sprintf("en aproximadamente %d horas", int(math.Ceil(seconds/3600)))
	}
}

// composeSummary builds the handoff summary an agent sees on pickup: who the
// customer is, what they want, and how far the AI got. The queue truncates it
// to the summary byte cap.
func composeSummary(c *models.ConversationContext, q *models.SalesQualification) string {
	name := c.Contact.Name
	if name == "" {
		name = c.DisplayName
	}
	if name == "" {
		name = "Cliente"
	}

	s := fmt.Sprintf("%s vía %s. Intención: %s. Mensajes: %d, señales de compra: %d.",
		name, c.Channel, c.Intent, c.MessageCount, c.PurchaseSignals)

	if len(q.Destinations) > 0 {
		s += " Destinos: "
		for i, d := range q.Destinations {
			if i > 0 {
				s += ", "
			}
			s += d
		}
		s += "."
	}
	if q.GroupSize > 0 {
		s += fmt.Sprintf(" Grupo de %d.", q.GroupSize)
	}
	if q.BudgetRange != "" {
		s += " Presupuesto: " + q.BudgetRange + "."
	}
	if q.Timeline != "" && q.Timeline != models.TimelineUnknown {
		s += " Fechas: " + string(q.Timeline) + "."
	}
	if q.ReadyToBuy {
		s += " Listo para reservar."
	}
	if c.EscalationReason != "" {
		s += " Motivo de escalación: " + c.EscalationReason + "."
	}
	return s
}
