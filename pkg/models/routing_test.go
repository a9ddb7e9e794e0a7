package models

import "testing"

func TestRoutingDecision_HumanBound(t *testing.T) {
	tests := []struct {
		action RoutingAction
		want   bool
	}{
		{ActionRouteToAI, false},
		{ActionRouteToHuman, true},
		{ActionEscalateToHuman, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			d := RoutingDecision{Action: tt.action}
			if got := d.HumanBound(); got != tt.want {
				t.Errorf("HumanBound() = %v, want %v", got, tt.want)
			}
		})
	}
}
