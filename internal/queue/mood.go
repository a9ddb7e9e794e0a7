package queue

import "github.com/camino-travel/switchboard/pkg/models"

// moodFor reads the customer's state off the conversation so the picking
// agent knows what they are walking into. Checks run in precedence order;
// the first match wins.
func moodFor(c *models.ConversationContext) models.CustomerMood {
	if c == nil {
		return models.MoodNeutral
	}
	switch {
	case c.CustomerType == models.CustomerVIP:
		return models.MoodExpectant
	case c.CustomerType == models.CustomerTimeWaster:
		return models.MoodUndecided
	case c.PurchaseSignals > 3:
		return models.MoodEnthusiastic
	case c.MessageCount > 10 && c.PurchaseSignals < 2:
		return models.MoodFrustrated
	case c.QuestionCount > 5 && c.PurchaseSignals == 0:
		return models.MoodCurious
	default:
		return models.MoodNeutral
	}
}
