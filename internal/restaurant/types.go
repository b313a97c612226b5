package restaurant

import "encoding/json"

// AIConfig is the per-restaurant agent configuration served by the
// business API. Tools stays raw JSON because it is handed verbatim to
// the realtime session.
type AIConfig struct {
	SystemPrompt        string             `json:"systemPrompt"`
	Voice               string             `json:"voice"`
	Tools               json.RawMessage    `json:"tools"`
	CustomerContext     *CustomerContext   `json:"customerContext"`
	AvgPrepTimeMin      int                `json:"avgPrepTimeMin"`
	DeliveryEnabled     bool               `json:"deliveryEnabled"`
	ItemMap             map[string]ItemRef `json:"itemMap"`
	TransferPhoneNumber string             `json:"transferPhoneNumber"`
	TransferEnabled     bool               `json:"transferEnabled"`
	TransferAutomatic   bool               `json:"transferAutomatic"`
}

// CustomerContext identifies a returning caller.
type CustomerContext struct {
	ID          string `json:"id"`
	FirstName   string `json:"firstName"`
	TotalOrders int    `json:"totalOrders"`
}

// ItemRef maps the short numeric menu ids the model speaks about back
// to real menu item UUIDs.
type ItemRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TranscriptEntry is one conversation turn stored on the call record.
type TranscriptEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// FallbackAIConfig is used when the business API cannot be reached at
// call start: the agent apologizes and asks the caller to ring back.
func FallbackAIConfig() *AIConfig {
	return &AIConfig{
		SystemPrompt: "Tu es un assistant vocal de restaurant. " +
			"Le menu n'est pas disponible actuellement. " +
			"Excuse-toi et demande au client de rappeler.",
		Tools: json.RawMessage("[]"),
		Voice: "sage",
	}
}
