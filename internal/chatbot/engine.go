// Package chatbot answers general travel questions. The sales agent delegates
// content answers here and escalates when the reported confidence is low.
// Providers: a deterministic rules engine (default) plus openai, anthropic,
// bedrock and gemini behind the same interface.
package chatbot

import (
	"context"
	"fmt"
	"strings"

	"github.com/camino-travel/switchboard/internal/config"
	"github.com/camino-travel/switchboard/pkg/models"
)

// Request is one question for the engine. History holds earlier turns only;
// Text is the current user message and must not be repeated in History.
type Request struct {
	SessionKey string
	Text       string
	Language   string
	History    []models.HistoryEntry
}

// Answer is the engine's reply. Confidence runs 0..1; answers below the
// configured threshold make the sales agent hand the session to a human.
type Answer struct {
	Text       string
	Confidence float64
	Intent     string
}

// Engine produces an answer for a user message.
type Engine interface {
	Reply(ctx context.Context, req Request) (Answer, error)
}

// New builds the engine selected by chatbot.provider.
func New(cfg config.ChatbotConfig) (Engine, error) {
	switch cfg.Provider {
	case "", "rules":
		return NewRules(), nil
	case "openai":
		return newOpenAI(cfg)
	case "anthropic":
		return newAnthropic(cfg)
	case "bedrock":
		return newBedrock(cfg)
	case "gemini":
		return newGemini(cfg)
	default:
		return nil, fmt.Errorf("chatbot: unknown provider %q", cfg.Provider)
	}
}

// systemPrompt frames every LLM provider call.
const systemPrompt = `Eres el asistente virtual de una agencia de viajes mexicana.
Respondes preguntas sobre destinos, paquetes, horarios y servicios de viaje.
Responde en el idioma del cliente, de forma breve, clara y amable.
Si no conoces la respuesta, dilo abiertamente en una sola frase.
Nunca inventes precios exactos, disponibilidad ni condiciones de reserva.`

// historyTurnLimit bounds how much conversation each provider call carries.
const historyTurnLimit = 10

type turn struct {
	role string // "user" or "assistant"
	text string
}

// conversationTurns flattens bounded history plus the current message into
// alternating turns. Consecutive same-role entries merge and leading
// assistant turns drop, which the Anthropic and Bedrock APIs require.
func conversationTurns(req Request) []turn {
	history := req.History
	if len(history) > historyTurnLimit {
		history = history[len(history)-historyTurnLimit:]
	}

	var turns []turn
	for _, entry := range history {
		if strings.TrimSpace(entry.Text) == "" {
			continue
		}
		role := "assistant"
		if entry.Sender == models.SenderUser {
			role = "user"
		}
		if len(turns) > 0 && turns[len(turns)-1].role == role {
			turns[len(turns)-1].text += "\n" + entry.Text
			continue
		}
		turns = append(turns, turn{role: role, text: entry.Text})
	}
	for len(turns) > 0 && turns[0].role == "assistant" {
		turns = turns[1:]
	}

	if len(turns) > 0 && turns[len(turns)-1].role == "user" {
		turns[len(turns)-1].text += "\n" + req.Text
	} else {
		turns = append(turns, turn{role: "user", text: req.Text})
	}
	return turns
}

// hedgePhrases mark answers the model itself is unsure about.
var hedgePhrases = []string{
	"no estoy segur",
	"no tengo esa informacion",
	"no tengo esa información",
	"no cuento con",
	"no puedo responder",
	"no conozco",
	"lo siento, no",
	"i'm not sure",
	"i don't know",
}

// estimateConfidence scores an LLM answer. The SDKs report no confidence, so
// hedging language in the answer is the signal: empty answers score 0,
// hedged ones land under the default 0.5 escalation threshold.
func estimateConfidence(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	lower := strings.ToLower(text)
	for _, phrase := range hedgePhrases {
		if strings.Contains(lower, phrase) {
			return 0.4
		}
	}
	return 0.9
}
