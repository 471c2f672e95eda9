package models

import "time"

// Insight types.
const (
	InsightSecurityPosture  = "security_posture"
	InsightAgentPerformance = "agent_performance"
	InsightThreatAnalysis   = "threat_analysis"
)

// InsightTypes lists every insight generated per run, in order.
var InsightTypes = []string{InsightSecurityPosture, InsightAgentPerformance, InsightThreatAnalysis}

// AI providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Notifications groups notification settings.
type Notifications struct {
	Channels  []string `json:"channels" bson:"channels"`
	Alerts    bool     `json:"alerts" bson:"alerts"`
	Updates   bool     `json:"updates" bson:"updates"`
	Marketing bool     `json:"marketing" bson:"marketing"`
}

// Preferences holds one user's settings. The AI key is stored but never
// serialized to clients.
type Preferences struct {
	UserID        string        `json:"userId" bson:"_id"`
	Theme         string        `json:"theme" bson:"theme"`
	Language      string        `json:"language" bson:"language"`
	Notifications Notifications `json:"notifications" bson:"notifications"`
	Timezone      string        `json:"timezone" bson:"timezone"`
	FontSize      string        `json:"fontSize" bson:"font_size"`
	Contrast      string        `json:"contrast" bson:"contrast"`
	Layout        string        `json:"layout" bson:"layout"`
	ReducedMotion bool          `json:"reducedMotion" bson:"reduced_motion"`
	ScreenReader  bool          `json:"screenReader" bson:"screen_reader"`
	AIProvider    string        `json:"aiProvider,omitempty" bson:"ai_provider,omitempty"`
	AIAPIKey      string        `json:"-" bson:"ai_api_key,omitempty"`
	CreatedAt     time.Time     `json:"createdAt" bson:"created_at"`
	UpdatedAt     time.Time     `json:"updatedAt" bson:"updated_at"`
}

// HasAIKey reports whether an AI key is configured. Exposed so clients can
// see that a key is set without ever seeing the key.
func (p *Preferences) HasAIKey() bool {
	return p != nil && p.AIAPIKey != ""
}

// DefaultPreferences returns the settings a user starts with.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:   userID,
		Theme:    "system",
		Language: "en",
		Notifications: Notifications{
			Channels: []string{"in_app"},
			Alerts:   true,
			Updates:  true,
		},
		Timezone: "UTC",
		FontSize: "medium",
		Contrast: "normal",
		Layout:   "comfortable",
	}
}

// Insight is one cached AI analysis.
type Insight struct {
	ID          string    `json:"id" bson:"_id"`
	UserID      string    `json:"userId" bson:"user_id"`
	Type        string    `json:"type" bson:"type"`
	Content     string    `json:"content" bson:"content"`
	GeneratedAt time.Time `json:"generatedAt" bson:"generated_at"`
	ExpiresAt   time.Time `json:"expiresAt" bson:"expires_at"`
}
