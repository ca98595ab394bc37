package alerting

import (
	"strings"
	"time"
)

// Category groups alert keys that share a cooldown.
type Category string

const (
	CategoryArbitrage Category = "arbitrage"
	CategoryRatio     Category = "ratio"
	CategoryCrash     Category = "crash"
	CategoryDefault   Category = "default"
)

// Kind selects the marker shown in front of an alert title.
type Kind string

const (
	KindOpportunity Kind = "opportunity"
	KindRotation    Kind = "rotation"
	KindCrash       Kind = "crash"
	KindInfo        Kind = "info"
	KindSystem      Kind = "system"
)

// Marker returns the emoji prefix of the kind.
func (k Kind) Marker() string {
	switch k {
	case KindOpportunity:
		return "💰"
	case KindRotation:
		return "🔄"
	case KindCrash:
		return "🚨"
	case KindSystem:
		return "⚙️"
	default:
		return "📊"
	}
}

const separator = "----------------"

// Alert is a notification decided by the evaluator.
type Alert struct {
	Key        string
	Category   Category
	Kind       Kind
	Title      string
	Lines      []string
	Suggestion string
	Timestamp  time.Time
}

// Text renders the alert as a chat message.
func (a Alert) Text() string {
	var b strings.Builder
	b.WriteString(a.Kind.Marker())
	b.WriteString("【")
	b.WriteString(a.Title)
	b.WriteString("】\n")
	b.WriteString("⏰ ")
	b.WriteString(a.Timestamp.Format("15:04"))
	b.WriteString("\n")
	b.WriteString(separator)
	for _, line := range a.Lines {
		b.WriteString("\n")
		b.WriteString(line)
	}
	if a.Suggestion != "" {
		b.WriteString("\n")
		b.WriteString(separator)
		b.WriteString("\n💡 ")
		b.WriteString(a.Suggestion)
	}
	return b.String()
}
