package generation

import "context"

// CannedModel is reported as the model name of canned responses.
const CannedModel = "canned"

var cannedResponses = map[string]string{
	"npc":         "Generated NPC: A mysterious figure with a weathered cloak and piercing eyes. They seem to know more than they let on...",
	"location":    "Generated Location: A dimly lit tavern with smoke curling from the fireplace. The wooden beams creak with age, and the air is thick with the smell of ale and adventure.",
	"encounter":   "Generated Encounter: A group of bandits has set up an ambush in the forest. They're well-armed and seem desperate, suggesting they might be open to negotiation.",
	"description": "Enhanced Description: The ancient castle looms before you, its weathered stone walls bearing the scars of countless battles. Torches flicker in the arrow slits, casting dancing shadows that seem to move of their own accord.",
	"chat":        "AI Assistant: Based on the current situation, I'd suggest considering the diplomatic approach. The goblins seem nervous and might be more interested in survival than combat.",
}

const cannedFallback = "AI Response: I'm here to help with your D&D session. What would you like me to assist with?"

// Canned answers every request type with a fixed text and never fails.
type Canned struct{}

// Generate returns the fixed text for req.RequestType.
func (Canned) Generate(_ context.Context, req Request) (Result, error) {
	text, ok := cannedResponses[req.RequestType]
	if !ok {
		text = cannedFallback
	}
	return Result{Text: text, Model: CannedModel}, nil
}
