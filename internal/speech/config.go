package speech

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Session configuration: instructions and tool schema sent on session.update.

const defaultInstructions = `You are Aria, an AI Receptionist. Be polite, professional, and efficient.

LANGUAGE RULES:
- Always start speaking in English.
- Only switch languages if the caller speaks to you in another language first.
- When uncertain, default to English.

CORE PROTOCOL:
1. Always CHECK availability using 'check_availability' before mentioning a time is free or attempting to book.
2. If the time is available, ASK for the caller's full name if not already provided.
3. If the caller states their name, immediately use 'identify_self' to record it.
4. Use 'book_appointment' ONLY after availability is confirmed AND you have the caller's name.
5. If a time is unavailable, suggest the next closest opening.

CONVERSATION STYLE:
- Keep responses brief (1-3 sentences).
- Speak 20% faster than normal conversational pace.
- Be helpful and proactive in finding alternative times.`

// TenantProfile is the business context used to specialize instructions
// once the tenant has been resolved from the callee number.
type TenantProfile struct {
	Name           string
	Industry       string
	Description    string
	CommonServices string
	FAQs           map[string]string
}

// Instructions renders the system instructions for a session. A zero
// profile yields the generic default used before tenant resolution.
func Instructions(p TenantProfile) string {
	if strings.TrimSpace(p.Name) == "" {
		return defaultInstructions
	}

	faqs := "N/A"
	if len(p.FAQs) > 0 {
		if b, err := json.Marshal(p.FAQs); err == nil {
			faqs = string(b)
		}
	}

	return fmt.Sprintf(`You are Aria, an AI Receptionist for %s. Be polite and professional.

LANGUAGE RULES:
- Always start speaking in English.
- Only switch languages if the caller speaks to you in another language first.
- When uncertain, default to English.

BUSINESS INFO:
- Industry: %s
- Description: %s
- Common Services: %s
- FAQs: %s

RULES:
- Keep responses brief (1-3 sentences).
- Always CHECK availability with 'check_availability' before offering or booking a time.
- If the caller states their name, immediately use 'identify_self' to record it.
- Use 'book_appointment' ONLY after availability is confirmed AND you have the caller's name.
- If you don't know something about the business, offer to take a message.
- Speak 20%% faster than a normal conversational pace to keep the conversation efficient.`,
		p.Name,
		orNA(p.Industry),
		orNA(p.Description),
		orNA(p.CommonServices),
		faqs,
	)
}

// GreetingInstruction asks the engine to speak the opening line.
func GreetingInstruction(businessName string) string {
	who := "us"
	if strings.TrimSpace(businessName) != "" {
		who = businessName
	}
	return fmt.Sprintf("Say: Hi, thank you for calling %s. This is Aria, how can I help you? KEEP IT FAST.", who)
}

// GreetingText is the line recorded in the transcript for the greeting.
func GreetingText(businessName string) string {
	who := "us"
	if strings.TrimSpace(businessName) != "" {
		who = businessName
	}
	return fmt.Sprintf("Hi, thank you for calling %s. This is Aria, how can I help you?", who)
}

// RefusalInstruction is the canned response requested when the guardrail
// filter blocks a caller utterance.
const RefusalInstruction = "Politely say: 'I apologize, but I must follow my business protocols. How can I help with your appointment?'"

// Tools is the fixed tool schema offered to the engine.
func Tools() []ToolSchema {
	return []ToolSchema{
		{
			Type:        "function",
			Name:        "check_availability",
			Description: "Checks if a specific date and time is available on the calendar.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_iso":        map[string]any{"type": "string", "description": "ISO format start time (e.g. 2024-05-01T14:00:00)"},
					"duration_minutes": map[string]any{"type": "integer", "description": "Duration in minutes (default 30)"},
				},
				"required": []string{"start_iso"},
			},
		},
		{
			Type:        "function",
			Name:        "book_appointment",
			Description: "Books an appointment on the calendar. Use ONLY after checking availability.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_iso":        map[string]any{"type": "string", "description": "ISO format start time"},
					"customer_name":    map[string]any{"type": "string", "description": "Full name of the caller"},
					"duration_minutes": map[string]any{"type": "integer", "description": "Duration in minutes"},
				},
				"required": []string{"start_iso", "customer_name"},
			},
		},
		{
			Type:        "function",
			Name:        "identify_self",
			Description: "Call this immediately when the user identifies themselves or provides their name.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string", "description": "The name provided by the user"},
				},
				"required": []string{"name"},
			},
		},
	}
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
