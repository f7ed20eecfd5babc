package chat

import "strings"

// Intent is what the user asks for with a message
type Intent int

const (
	IntentText Intent = iota
	IntentImage
)

func (i Intent) String() string {
	if i == IntentImage {
		return "image"
	}
	return "text"
}

// IntentClassifier decides how a user message is answered
type IntentClassifier interface {
	Classify(text string) Intent
}

// ClassifierFunc adapts a function to IntentClassifier
type ClassifierFunc func(text string) Intent

func (f ClassifierFunc) Classify(text string) Intent { return f(text) }

// DefaultImageTriggers are the phrases that ask for a picture
var DefaultImageTriggers = []string{
	"send me a picture",
	"send a pic",
	"send a photo",
	"share a picture",
	"can i see a picture",
	"show me a pic",
	"got any pics",
	"send an image",
	"picture please",
	"photo please",
	"picture",
	"pic",
	"what are you wearing",
	"show me",
}

// PhraseClassifier matches trigger phrases as case-insensitive substrings
type PhraseClassifier struct {
	phrases []string
}

// NewPhraseClassifier uses DefaultImageTriggers when no phrase is given
func NewPhraseClassifier(phrases ...string) *PhraseClassifier {
	if len(phrases) == 0 {
		phrases = DefaultImageTriggers
	}
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	return &PhraseClassifier{phrases: lowered}
}

func (c *PhraseClassifier) Classify(text string) Intent {
	lower := strings.ToLower(text)
	for _, p := range c.phrases {
		if strings.Contains(lower, p) {
			return IntentImage
		}
	}
	return IntentText
}
