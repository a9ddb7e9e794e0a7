package router

import "sync"

// Built-in Spanish pattern set. All patterns are written in folded form
// (lowercase, no accents) because matching runs over Fold(text).
func defaultPatternFile() *PatternFile {
	return &PatternFile{
		Intents: map[string][]WeightedPattern{
			"booking": {
				{Pattern: `quiero reservar`, Weight: 2},
				{Pattern: `hacer una reserva`, Weight: 2},
				{Pattern: `\breservar\b`},
				{Pattern: `\bapartar\b`},
				{Pattern: `agendar (un |el )?viaje`},
			},
			"quote": {
				{Pattern: `cotizacion(es)?`, Weight: 2},
				{Pattern: `\bcotizar\b`, Weight: 2},
				{Pattern: `cuanto (cuesta|sale|vale)`},
				{Pattern: `presupuesto para`},
				{Pattern: `\bprecios?\b`},
				{Pattern: `\btarifas?\b`},
			},
			"complaint": {
				{Pattern: `\bquejas?\b`, Weight: 2},
				{Pattern: `\breclamo\b`, Weight: 2},
				{Pattern: `\bpesimo\b`},
				{Pattern: `\bterrible\b`},
				{Pattern: `muy mal`},
				{Pattern: `\binaceptable\b`},
				{Pattern: `mal servicio`},
				{Pattern: `\bestafa\b`},
			},
			"modification": {
				{Pattern: `cambiar (mi|la|el)`, Weight: 2},
				{Pattern: `\bmodificar\b`},
				{Pattern: `cambio de fecha`},
				{Pattern: `\bposponer\b`},
				{Pattern: `\badelantar\b`},
			},
			"cancellation": {
				{Pattern: `\bcancelar\b`, Weight: 2},
				{Pattern: `cancelacion`},
				{Pattern: `\banular\b`},
			},
			"info": {
				{Pattern: `informacion`, Weight: 2},
				{Pattern: `que incluye`},
				{Pattern: `\bitinerario\b`},
				{Pattern: `\bhorarios?\b`},
				{Pattern: `\bdetalles\b`},
				{Pattern: `me puedes contar`},
			},
			"question": {
				{Pattern: `como puedo`},
				{Pattern: `\bdonde\b`},
				{Pattern: `\bcuando\b`},
				{Pattern: `\bpodria saber\b`},
			},
			"browsing": {
				{Pattern: `solo (estoy )?(miraba|mirando|viendo)`},
				{Pattern: `\bnavegando\b`},
				{Pattern: `\bcurioseando\b`},
			},
		},
		Departments: map[string][]string{
			"customer_service": {
				`mi reserva`,
				`mi compra`,
				`ya (reserve|pague|contrate)`,
				`\bquejas?\b`,
				`\breclamo\b`,
				`problema con`,
				`\breembolso\b`,
			},
			"technical_support": {
				`no funciona`,
				`error (en|al)`,
				`no puedo (entrar|acceder|pagar)`,
				`(pagina|sitio) (web )?no`,
				`no carga`,
			},
			"groups_quotes": {
				`viaje de grupo`,
				`grupo grande`,
				`cotizacion (para|de) grupo`,
				`\bexcursion escolar\b`,
				`\bconvencion\b`,
			},
			"sales": {
				`quiero (comprar|contratar)`,
				`me interesa el paquete`,
				`quiero el paquete`,
			},
			"general_info": {
				`informacion general`,
				`quienes son`,
				`donde estan ubicados`,
			},
		},
		PurchaseSignals: []string{
			`(quiero|queremos) (viajar|ir|conocer|comprar|contratar)`,
			`(necesito|necesitamos) (un viaje|viajar|cotizar|reservar)`,
			`disponibilidad|fechas disponibles|tienen (lugar|cupo)`,
			`\b(confirmar|reservar)\b`,
			`forma de pago|como pago|metodos? de pago|\btarjeta\b|\btransferencia\b`,
			`\burgente\b|lo antes posible|cuanto antes`,
			`\bpresupuesto\b`,
			`cotizacion(es)?|\bcotizar\b`,
		},
		TimeWasterPhrases: []string{
			`solo preguntaba`,
			`tal vez`,
			`mas adelante`,
			`por curiosidad`,
		},
		VIPKeywords: []string{
			`\bvip\b`,
			`cliente (premium|frecuente|oro|platino)`,
			`\bplatinum\b`,
			`membresia (oro|platino)`,
		},
		EscalationTriggers: map[string][]string{
			"cancellation_query": {
				`cancelar (mi|la|una) reserva`,
				`como (cancelo|anulo)`,
				`politica de cancelacion`,
			},
			"exact_price": {
				`precio (exacto|final|total)`,
				`costo exacto`,
				`cuanto cuesta exactamente`,
				`tarifa exacta`,
			},
			"refund_dispute": {
				`\breembolso\b`,
				`\bdevolucion\b`,
				`me devuelvan`,
				`\bdisputa\b`,
				`\bcontracargo\b`,
			},
			"documentation": {
				`\bvisas?\b`,
				`\bvisado\b`,
				`\bpasaportes?\b`,
				`documentacion (necesaria|requerida)`,
				`requisitos para (entrar|viajar)`,
			},
			"insurance": {
				`seguro de (viaje|viajero)`,
				`\bcobertura\b`,
				`\bpoliza\b`,
			},
			"terms": {
				`terminos y condiciones`,
				`condiciones (del|de) servicio`,
				`letra (chica|pequena)`,
			},
			"booking_modification": {
				`(cambiar|modificar|mover) mi reserva`,
				`reserva existente`,
				`cambiar la fecha de mi`,
			},
		},
		ClosingSignals: []string{
			`quiero reservar`,
			`como pago`,
			`\bconfirmar\b`,
			`reservar ahora`,
			`lo compro`,
			`adelante con la reserva`,
			`procedamos`,
		},
	}
}

var (
	defaultPatternsOnce sync.Once
	defaultPatterns     *Patterns
)

// DefaultPatterns returns the compiled built-in pattern set. The defaults
// are constants so compilation cannot fail.
func DefaultPatterns() *Patterns {
	defaultPatternsOnce.Do(func() {
		p, err := Compile(defaultPatternFile())
		if err != nil {
			panic("router: default patterns: " + err.Error())
		}
		defaultPatterns = p
	})
	return defaultPatterns
}
