package lipread

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UnknownToken is returned for class indices outside the vocabulary.
const UnknownToken = "unknown"

// DefaultVocabularySize matches the classifier width of the reference model.
const DefaultVocabularySize = 500

// baseWords is index-stable: repeated entries are intentional and must not be
// removed, otherwise every later class id shifts.
var baseWords = []string{
	"hello", "world", "how", "are", "you", "fine", "thanks", "good",
	"morning", "afternoon", "evening", "goodbye", "see", "you", "later",
	"please", "thank", "you", "yes", "no", "maybe", "understand",
	"love", "hate", "like", "help", "need", "want", "think", "know",
	"tell", "give", "take", "come", "go", "stay", "leave", "wait",
	"work", "play", "eat", "drink", "sleep", "wake", "run", "walk",
	"talk", "listen", "read", "write", "watch", "look", "see", "hear",
	"feel", "touch", "laugh", "cry", "smile", "frown", "happy", "sad",
	"angry", "scared", "tired", "excited", "ready", "able", "open",
	"close", "start", "stop", "continue", "break", "rest", "peace",
	"quiet", "loud", "fast", "slow", "big", "small", "hot", "cold",
	"easy", "hard", "light", "dark", "bright", "clear", "beautiful",
	"ugly", "right", "wrong", "correct", "incorrect", "true", "false",
	"real", "fake", "new", "old", "young", "aged", "fresh", "stale",
	"clean", "dirty", "wet", "dry", "soft", "hard", "smooth", "rough",
	"safe", "dangerous", "strong", "weak", "deep", "shallow", "wide",
	"narrow", "long", "short", "tall", "short", "thick", "thin", "full",
	"empty", "rich", "poor", "expensive", "cheap", "free", "busy", "idle",
	"alone", "together", "inside", "outside", "above", "below", "before",
	"after", "early", "late", "always", "never", "sometimes", "often",
	"rarely", "forever", "temporary", "permanent", "possible", "impossible",
	"likely", "unlikely", "certain", "uncertain", "confident", "doubtful",
}

// Vocabulary maps class ids to tokens. It is immutable once built.
type Vocabulary struct {
	tokens []string
}

type vocabularyFile struct {
	Tokens []string `yaml:"tokens"`
}

// DefaultVocabulary returns the built-in word list padded with word_<index>
// placeholders up to size.
func DefaultVocabulary(size int) Vocabulary {
	return newVocabulary(baseWords, size)
}

// LoadVocabulary reads a YAML file of the form `tokens: [...]` and pads or
// truncates it to size the same way DefaultVocabulary does.
func LoadVocabulary(path string, size int) (Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Vocabulary{}, fmt.Errorf("read vocabulary: %w", err)
	}
	var file vocabularyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Vocabulary{}, fmt.Errorf("parse vocabulary: %w", err)
	}
	if len(file.Tokens) == 0 {
		return Vocabulary{}, fmt.Errorf("vocabulary %s has no tokens", path)
	}
	return newVocabulary(file.Tokens, size), nil
}

func newVocabulary(words []string, size int) Vocabulary {
	if size <= 0 {
		size = DefaultVocabularySize
	}
	tokens := make([]string, 0, size)
	tokens = append(tokens, words[:min(len(words), size)]...)
	for len(tokens) < size {
		tokens = append(tokens, fmt.Sprintf("word_%d", len(tokens)))
	}
	return Vocabulary{tokens: tokens}
}

// Token returns the token for class id i, or UnknownToken when i is out of
// range.
func (v Vocabulary) Token(i int) string {
	if i < 0 || i >= len(v.tokens) {
		return UnknownToken
	}
	return v.tokens[i]
}

func (v Vocabulary) Len() int { return len(v.tokens) }

// Tokens returns a copy of the ordered token list.
func (v Vocabulary) Tokens() []string {
	return append([]string(nil), v.tokens...)
}
