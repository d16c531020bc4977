package guard

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"promptproof/internal/logging"
)

// Patterns holds the phrase lists the guard matches against. All matching
// is case-insensitive substring containment; patterns must be lowercase.
type Patterns struct {
	// SelfReference phrases reveal the agent is an AI.
	SelfReference []string `yaml:"self_reference"`

	// BackendMentions name the underlying CRM/platform stack.
	BackendMentions []string `yaml:"backend_mentions"`

	// BookingPhrases commit the caller to an appointment.
	BookingPhrases []string `yaml:"booking_phrases"`
}

// DefaultPatterns returns the built-in pattern set.
func DefaultPatterns() Patterns {
	return Patterns{
		SelfReference: []string{
			"as an ai",
			"i am an ai",
			"i'm an ai",
			"language model",
			"i am a bot",
			"i'm a bot",
			"i am an artificial",
			"as a virtual assistant",
			"my training data",
		},
		BackendMentions: []string{
			"gohighlevel",
			"highlevel",
			"go high level",
			"zapier",
			"twilio",
			"our crm",
			"the crm system",
		},
		BookingPhrases: []string{
			"you're booked",
			"you are booked",
			"you're all set",
			"you are all set",
			"appointment is confirmed",
			"appointment is set",
			"booking confirmed",
			"i've booked",
			"i have booked",
			"i've scheduled",
			"i have scheduled",
			"see you then",
			"see you at",
		},
	}
}

// LoadPatterns reads a YAML pattern pack from disk. Lists left empty in the
// file keep their defaults when the result is passed to NewWithPatterns.
func LoadPatterns(path string) (Patterns, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Patterns{}, fmt.Errorf("failed to read pattern pack %s: %w", path, err)
	}

	var p Patterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Patterns{}, fmt.Errorf("failed to parse pattern pack %s: %w", path, err)
	}

	logging.Get(logging.CategoryGuard).Info(
		"loaded pattern pack %s (%d self-reference, %d backend, %d booking)",
		path, len(p.SelfReference), len(p.BackendMentions), len(p.BookingPhrases))

	return p, nil
}
