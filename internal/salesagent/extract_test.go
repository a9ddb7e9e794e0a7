package salesagent

import (
	"testing"
	"time"

	"github.com/camino-travel/switchboard/internal/router"
	"github.com/camino-travel/switchboard/pkg/models"
)

func TestMatchBudget(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"amount in thousands", "tengo 30 mil pesos para el viaje", "30 mil pesos"},
		{"range", "mi presupuesto es entre 20 y 30 mil pesos", "entre 20 y 30 mil pesos"},
		{"dollar amount", "puedo gastar $15,000", "$15,000"},
		{"currency code", "presupuesto 3000 usd", "3000 usd"},
		{"short thousands", "unos 25k por todo", "25k"},
		{"no budget", "quiero ir a la playa con 3 amigos", ""},
		{"plain number is not budget", "somos 4 personas", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchBudget(router.Fold(tt.text)); got != tt.want {
				t.Errorf("matchBudget(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestDetectTimeline(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   models.Timeline
		wantOK bool
	}{
		{"urgent", "lo necesito urgente", models.TimelineImmediate, true},
		{"this week", "queremos salir esta semana", models.TimelineImmediate, true},
		{"next week", "la próxima semana estaría bien", models.TimelineOneToTwoW, true},
		{"this month", "algún fin de semana de este mes", models.TimelineOneToTwoW, true},
		{"next month", "el próximo mes", models.TimelineOneToThreeM, true},
		{"couple of months", "en un par de meses", models.TimelineOneToThreeM, true},
		{"next year", "para el próximo año", models.TimelineLater, true},
		{"vague later", "tal vez más adelante", models.TimelineLater, true},
		{"none", "quiero ir a la playa", models.TimelineUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := detectTimeline(router.Fold(tt.text))
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("detectTimeline(%q) = (%v, %v), want (%v, %v)", tt.text, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestDetectGroupSizeKeywords(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"somos 12 personas", 12},
		{"viajo solo", 1},
		{"vamos en pareja", 2},
		{"voy con mi esposa", 2},
		{"viajamos con mi familia", 4},
		{"quiero conocer oaxaca", 0},
	}

	for _, tt := range tests {
		if got := detectGroupSize(router.Fold(tt.text)); got != tt.want {
			t.Errorf("detectGroupSize(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestApplyExtractionAccumulates(t *testing.T) {
	q := models.NewSalesQualification("webchat:1")

	if !applyExtraction(router.Fold("Queremos ir a Cancún y Tulum, somos 3 personas"), q) {
		t.Fatal("first extraction reported no change")
	}
	if len(q.Destinations) != 2 {
		t.Fatalf("destinations = %v, want two", q.Destinations)
	}
	if q.GroupSize != 3 {
		t.Errorf("group size = %d, want 3", q.GroupSize)
	}

	// Repeating the same facts changes nothing.
	if applyExtraction(router.Fold("vamos a cancun, 3 personas"), q) {
		t.Error("duplicate facts reported as change")
	}

	// Corrections take the latest value.
	if !applyExtraction(router.Fold("mejor seremos 5 personas"), q) {
		t.Fatal("group size correction reported no change")
	}
	if q.GroupSize != 5 {
		t.Errorf("group size = %d, want 5 after correction", q.GroupSize)
	}

	if !applyExtraction(router.Fold("yo decido, es mi decisión"), q) {
		t.Fatal("decision maker not captured")
	}
	if !q.DecisionMaker {
		t.Error("decision maker flag not set")
	}

	if !applyExtraction(router.Fold("buscamos todo incluido, es nuestra luna de miel"), q) {
		t.Fatal("needs not captured")
	}
	if len(q.SpecificNeeds) != 2 {
		t.Errorf("needs = %v, want two entries", q.SpecificNeeds)
	}
}

func TestScoreQualification(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		setup func(q *models.SalesQualification)
		want  float64
	}{
		{"empty", func(q *models.SalesQualification) {}, 0},
		{"budget only", func(q *models.SalesQualification) { q.BudgetRange = "20 mil" }, 2.5},
		{"timeline", func(q *models.SalesQualification) { q.Timeline = models.TimelineOneToThreeM }, 2.0},
		{"immediate timeline", func(q *models.SalesQualification) { q.Timeline = models.TimelineImmediate }, 3.0},
		{"group size", func(q *models.SalesQualification) { q.GroupSize = 2 }, 1.5},
		{"destination", func(q *models.SalesQualification) { q.Destinations = []string{"Cancún"} }, 1.5},
		{"decision maker", func(q *models.SalesQualification) { q.DecisionMaker = true }, 1.5},
		{
			"everything immediate hits the cap",
			func(q *models.SalesQualification) {
				q.BudgetRange = "80 mil pesos"
				q.Timeline = models.TimelineImmediate
				q.GroupSize = 4
				q.Destinations = []string{"Los Cabos"}
				q.DecisionMaker = true
			},
			10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := models.NewSalesQualification("webchat:1")
			tt.setup(q)
			got := scoreQualification(q)
			if got != tt.want {
				t.Errorf("score = %v, want %v", got, tt.want)
			}

			q.SetScore(got, now)
			if wantQualified := tt.want >= models.QualifiedScoreFloor; q.IsQualified != wantQualified {
				t.Errorf("IsQualified = %v with score %v", q.IsQualified, got)
			}
		})
	}
}

func TestDestinationGazetteer(t *testing.T) {
	q := models.NewSalesQualification("webchat:1")
	applyExtraction(router.Fold("dudamos entre la Ciudad de México y Mérida"), q)

	want := map[string]bool{"Ciudad de México": true, "Mérida": true}
	if len(q.Destinations) != 2 {
		t.Fatalf("destinations = %v, want two", q.Destinations)
	}
	for _, d := range q.Destinations {
		if !want[d] {
			t.Errorf("unexpected destination %q", d)
		}
	}
}
