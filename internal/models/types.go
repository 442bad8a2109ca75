package models

import "time"

// SignalSnapshot is a point-in-time read of the user's behavioral signals.
// Every dimension is on a 1..5 scale.
type SignalSnapshot struct {
	Mood          int       `json:"mood"`
	Stress        int       `json:"stress"`
	SleepQuality  int       `json:"sleep_quality"`
	CravingLevel  int       `json:"craving_level"`
	SocialSupport int       `json:"social_support"`
	Timestamp     time.Time `json:"timestamp"`
}

// RiskLevel is the discrete classification of a risk score
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFactor is a named contributor to a risk score
type RiskFactor struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

// RiskAssessment is derived on demand and never persisted as source of truth
type RiskAssessment struct {
	Level                     RiskLevel    `json:"level"`
	Score                     int          `json:"score"`
	Factors                   []RiskFactor `json:"factors"`
	EmergencyContactsRequired bool         `json:"emergency_contacts_required"`
	Resources                 []string     `json:"resources,omitempty"`
}

// TimeOfDay buckets hours of the day into four periods
type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
	Night     TimeOfDay = "night"
)

// TriggerPattern is a recurring high-risk window mined from history
type TriggerPattern struct {
	Trigger   string    `json:"trigger"`
	Frequency int       `json:"frequency"`
	Severity  int       `json:"severity"` // 0-10
	TimeOfDay TimeOfDay `json:"time_of_day"`
	Context   []string  `json:"context"`
}

// EmotionalSummary is the result of emotional trigger analysis
type EmotionalSummary struct {
	RiskRatio   float64  `json:"risk_ratio"`
	AverageMood float64  `json:"average_mood"`
	SampleSize  int      `json:"sample_size"`
	Dominant    []string `json:"dominant,omitempty"`
}

// RecommendationType classifies an intervention
type RecommendationType string

const (
	TypeTechnique RecommendationType = "technique"
	TypeActivity  RecommendationType = "activity"
	TypeReminder  RecommendationType = "reminder"
	TypeSocial    RecommendationType = "social"
	TypeEmergency RecommendationType = "emergency"
)

// Urgency of a recommendation
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Weight returns the ranking multiplier for an urgency
func (u Urgency) Weight() int {
	switch u {
	case UrgencyCritical:
		return 4
	case UrgencyHigh:
		return 3
	case UrgencyMedium:
		return 2
	default:
		return 1
	}
}

// Difficulty of an intervention
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Rank orders difficulties from easiest (0) to hardest
func (d Difficulty) Rank() int {
	switch d {
	case DifficultyEasy:
		return 0
	case DifficultyMedium:
		return 1
	default:
		return 2
	}
}

// Category constants shared by the catalog, preferences and de-duplication buckets
const (
	CategoryBreathing   = "breathing"
	CategoryDistraction = "distraction"
	CategoryMindfulness = "mindfulness"
	CategoryPhysical    = "physical"
	CategorySocial      = "social"
	CategoryJournaling  = "journaling"
	CategoryEmergency   = "emergency"
	CategoryMilestone   = "milestone"
)

// CandidateIntervention is a catalog entry the ranker may recommend
type CandidateIntervention struct {
	ID             string             `json:"id" yaml:"id"`
	Type           RecommendationType `json:"type" yaml:"type"`
	Category       string             `json:"category" yaml:"category"`
	Title          string             `json:"title" yaml:"title"`
	Description    string             `json:"description,omitempty" yaml:"description"`
	BaseConfidence float64            `json:"base_confidence" yaml:"base_confidence"`
	Urgency        Urgency            `json:"urgency" yaml:"urgency"`
	Duration       int                `json:"duration" yaml:"duration"` // minutes
	Difficulty     Difficulty         `json:"difficulty" yaml:"difficulty"`
}

// Recommendation is generated fresh per ranking call and never mutated
type Recommendation struct {
	ID             string             `json:"id"`
	SourceID       string             `json:"source_id"`
	Type           RecommendationType `json:"type"`
	Category       string             `json:"category"`
	Title          string             `json:"title"`
	Confidence     float64            `json:"confidence"`
	Urgency        Urgency            `json:"urgency"`
	TimeToComplete int                `json:"time_to_complete"`
	Difficulty     Difficulty         `json:"difficulty"`
	Reasoning      string             `json:"reasoning"`
}

// Score is the ranking key: confidence * urgency weight
func (r Recommendation) Score() float64 {
	return r.Confidence * float64(r.Urgency.Weight())
}

// Priority of a scheduled notification
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityForUrgency maps recommendation urgency to notification priority
func PriorityForUrgency(u Urgency) Priority {
	switch u {
	case UrgencyCritical:
		return PriorityCritical
	case UrgencyHigh:
		return PriorityHigh
	case UrgencyMedium:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// NotificationStatus is the state of a ScheduledNotification
type NotificationStatus string

const (
	StatusPending     NotificationStatus = "pending"
	StatusDispatched  NotificationStatus = "dispatched"
	StatusCancelled   NotificationStatus = "cancelled"
	StatusRescheduled NotificationStatus = "rescheduled"
)

// Message is a system message payload (milestones, emergency resources)
type Message struct {
	Kind  string `json:"kind"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

// Payload holds exactly one of a recommendation or a message
type Payload struct {
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	Message        *Message        `json:"message,omitempty"`
}

// Title returns the user-facing headline of the payload
func (p Payload) Title() string {
	if p.Recommendation != nil {
		return p.Recommendation.Title
	}
	if p.Message != nil {
		return p.Message.Title
	}
	return ""
}

// ScheduledNotification is owned by the notification scheduler
type ScheduledNotification struct {
	ID          string             `json:"id"`
	Category    string             `json:"category"`
	DayBucket   string             `json:"day_bucket"`
	SourceID    string             `json:"source_id"`
	Payload     Payload            `json:"payload"`
	RequestedAt time.Time          `json:"requested_at"`
	DispatchAt  time.Time          `json:"dispatch_at"`
	Priority    Priority           `json:"priority"`
	Status      NotificationStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	Reason      string             `json:"reason,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Frequency preference controls minimum spacing between notifications
type Frequency string

const (
	FrequencyMinimal  Frequency = "minimal"
	FrequencyNormal   Frequency = "normal"
	FrequencyFrequent Frequency = "frequent"
)

// QuietHours is a local-time window in "HH:MM" form; Start may be after End
// when the window wraps midnight.
type QuietHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Preferences are mutated only by explicit user action
type Preferences struct {
	QuietHours      QuietHours      `json:"quiet_hours"`
	CategoryToggles map[string]bool `json:"category_toggles"`
	Frequency       Frequency       `json:"frequency"`
}

// DefaultPreferences returns the preferences used before the user sets any
func DefaultPreferences() Preferences {
	return Preferences{
		QuietHours:      QuietHours{Start: "22:00", End: "08:00"},
		CategoryToggles: map[string]bool{},
		Frequency:       FrequencyNormal,
	}
}

// CategoryEnabled reports whether notifications of a category are allowed.
// Categories without an explicit toggle are enabled.
func (p Preferences) CategoryEnabled(category string) bool {
	enabled, ok := p.CategoryToggles[category]
	return !ok || enabled
}

// OutcomeRecord is the append-only result of a delivered recommendation
type OutcomeRecord struct {
	RecommendationID   string    `json:"recommendation_id"`
	Delivered          bool      `json:"delivered"`
	Accepted           bool      `json:"accepted"`
	EffectivenessDelta float64   `json:"effectiveness_delta"`
	RecordedAt         time.Time `json:"recorded_at"`
}

// PerformanceRecord is an observed score for adaptive-difficulty content
type PerformanceRecord struct {
	ActivityID  string  `json:"activity_id"`
	Score       float64 `json:"score"`
	TargetScore float64 `json:"target_score"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Notifiers string `json:"notifiers"`
	Version   string `json:"version"`
}
