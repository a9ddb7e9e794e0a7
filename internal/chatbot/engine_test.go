package chatbot

import (
	"testing"

	"github.com/camino-travel/switchboard/internal/config"
	"github.com/camino-travel/switchboard/pkg/models"
)

func TestNewSelectsProvider(t *testing.T) {
	t.Run("default is rules", func(t *testing.T) {
		engine, err := New(config.ChatbotConfig{})
		if err != nil {
			t.Fatalf("New error: %v", err)
		}
		if _, ok := engine.(*Rules); !ok {
			t.Fatalf("engine = %T, want *Rules", engine)
		}
	})

	t.Run("explicit rules", func(t *testing.T) {
		engine, err := New(config.ChatbotConfig{Provider: "rules"})
		if err != nil {
			t.Fatalf("New error: %v", err)
		}
		if _, ok := engine.(*Rules); !ok {
			t.Fatalf("engine = %T, want *Rules", engine)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		if _, err := New(config.ChatbotConfig{Provider: "markov"}); err == nil {
			t.Fatal("New(markov) returned nil error")
		}
	})

	t.Run("llm providers require api key", func(t *testing.T) {
		for _, provider := range []string{"openai", "anthropic", "gemini"} {
			if _, err := New(config.ChatbotConfig{Provider: provider}); err == nil {
				t.Errorf("New(%s) without api_key returned nil error", provider)
			}
		}
	})
}

func userEntry(text string) models.HistoryEntry {
	return models.HistoryEntry{Sender: models.SenderUser, Text: text}
}

func aiEntry(text string) models.HistoryEntry {
	return models.HistoryEntry{Sender: models.SenderAI, Text: text}
}

func TestConversationTurns(t *testing.T) {
	t.Run("no history", func(t *testing.T) {
		turns := conversationTurns(Request{Text: "hola"})
		if len(turns) != 1 {
			t.Fatalf("len(turns) = %d, want 1", len(turns))
		}
		if turns[0].role != "user" || turns[0].text != "hola" {
			t.Errorf("turns[0] = %+v, want user/hola", turns[0])
		}
	})

	t.Run("alternating history", func(t *testing.T) {
		turns := conversationTurns(Request{
			Text: "¿y para dos personas?",
			History: []models.HistoryEntry{
				userEntry("precios de cancun"),
				aiEntry("tenemos paquetes desde 3 noches"),
			},
		})
		if len(turns) != 3 {
			t.Fatalf("len(turns) = %d, want 3", len(turns))
		}
		wantRoles := []string{"user", "assistant", "user"}
		for i, want := range wantRoles {
			if turns[i].role != want {
				t.Errorf("turns[%d].role = %q, want %q", i, turns[i].role, want)
			}
		}
		if turns[2].text != "¿y para dos personas?" {
			t.Errorf("turns[2].text = %q", turns[2].text)
		}
	})

	t.Run("consecutive user entries merge", func(t *testing.T) {
		turns := conversationTurns(Request{
			Text: "gracias",
			History: []models.HistoryEntry{
				userEntry("hola"),
				userEntry("quiero cotizar"),
				aiEntry("claro, ¿a dónde viajas?"),
			},
		})
		if len(turns) != 3 {
			t.Fatalf("len(turns) = %d, want 3", len(turns))
		}
		if turns[0].text != "hola\nquiero cotizar" {
			t.Errorf("merged turn = %q", turns[0].text)
		}
	})

	t.Run("current text merges into trailing user entry", func(t *testing.T) {
		turns := conversationTurns(Request{
			Text: "para el 15 de junio",
			History: []models.HistoryEntry{
				userEntry("quiero viajar"),
			},
		})
		if len(turns) != 1 {
			t.Fatalf("len(turns) = %d, want 1", len(turns))
		}
		if turns[0].text != "quiero viajar\npara el 15 de junio" {
			t.Errorf("turns[0].text = %q", turns[0].text)
		}
	})

	t.Run("leading assistant turn drops", func(t *testing.T) {
		turns := conversationTurns(Request{
			Text: "hola",
			History: []models.HistoryEntry{
				aiEntry("¡bienvenido!"),
			},
		})
		if len(turns) != 1 {
			t.Fatalf("len(turns) = %d, want 1", len(turns))
		}
		if turns[0].role != "user" {
			t.Errorf("turns[0].role = %q, want user", turns[0].role)
		}
	})

	t.Run("human sender counts as assistant", func(t *testing.T) {
		turns := conversationTurns(Request{
			Text: "ok",
			History: []models.HistoryEntry{
				userEntry("necesito ayuda"),
				{Sender: models.SenderHuman, Text: "con gusto te atiendo"},
			},
		})
		if len(turns) != 3 {
			t.Fatalf("len(turns) = %d, want 3", len(turns))
		}
		if turns[1].role != "assistant" {
			t.Errorf("turns[1].role = %q, want assistant", turns[1].role)
		}
	})

	t.Run("blank entries skipped", func(t *testing.T) {
		turns := conversationTurns(Request{
			Text: "hola",
			History: []models.HistoryEntry{
				userEntry("   "),
				aiEntry(""),
			},
		})
		if len(turns) != 1 {
			t.Fatalf("len(turns) = %d, want 1", len(turns))
		}
	})

	t.Run("history is bounded", func(t *testing.T) {
		var history []models.HistoryEntry
		for i := 0; i < 12; i++ {
			if i%2 == 0 {
				history = append(history, userEntry("pregunta"))
			} else {
				history = append(history, aiEntry("respuesta"))
			}
		}
		turns := conversationTurns(Request{Text: "ultima", History: history})
		// Last ten entries start on a user turn; the current message appends
		// as an eleventh.
		if len(turns) != 11 {
			t.Fatalf("len(turns) = %d, want 11", len(turns))
		}
		if turns[len(turns)-1].text != "ultima" {
			t.Errorf("final turn = %q, want %q", turns[len(turns)-1].text, "ultima")
		}
	})
}

func TestEstimateConfidence(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
	}{
		{"empty", "", 0},
		{"whitespace only", "   \n ", 0},
		{"hedged spanish", "No estoy seguro de la disponibilidad en esas fechas.", 0.4},
		{"hedged accented", "Lo siento, no tengo esa información a la mano.", 0.4},
		{"hedged english", "I'm not sure about that route.", 0.4},
		{"confident", "El paquete incluye hospedaje, traslados y desayunos.", 0.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := estimateConfidence(tt.text); got != tt.want {
				t.Errorf("estimateConfidence(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
