package routing

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Decision is the outcome of classifying one utterance.
type Decision int

const (
	// Direct means the primary agent answers from conversation context.
	Direct Decision = iota
	// Delegate means the turn is handed to the data agent for a report
	// query.
	Delegate
)

func (d Decision) String() string {
	if d == Delegate {
		return "delegate"
	}
	return "direct"
}

var (
	// Dates in day-first or year-first order, any of -/. separators.
	datePattern      = regexp.MustCompile(`\b\d{1,2}[-/.]\d{1,2}[-/.]\d{2,4}\b`)
	dateISOPattern   = regexp.MustCompile(`\b\d{4}[-/.]\d{1,2}[-/.]\d{1,2}\b`)
	numericIDPattern = regexp.MustCompile(`\b\d{10,12}\b`)

	// "how many of those", "how many are pending", "how many were missed"
	followUpCountPattern = regexp.MustCompile(`\bhow many (of|are|were)\b`)
)

var (
	callEntityWords = []string{"call", "calls", "interaction", "log", "logs"}
	countPhrases    = []string{"how many", "number of", "count", "total"}
	countEntities   = []string{"call", "calls", "ticket", "tickets", "customer"}
	statusWords     = []string{"success", "successful", "completed", "failed", "missed", "answered"}
	statusEntities  = []string{"call", "calls", "record", "records", "customer", "ticket", "interaction"}
	directionWords  = []string{"incoming", "outgoing"}
	dataWords       = []string{"call log", "call logs", "customer", "customers"}

	followUpMarkers = []string{"those", "them", "that", "the same", "breakdown"}
)

// Classifier decides, per utterance, whether a turn needs the data agent or
// can be answered directly. It keeps one bit of state per thread: whether
// the previous turn delegated, which lets bare follow-ups like "how many of
// those failed?" reach the data agent even though they carry no entity
// words of their own.
type Classifier struct {
	mu        sync.Mutex
	delegated map[string]bool
	logger    zerolog.Logger
}

// NewClassifier creates a classifier with no thread history.
func NewClassifier(logger zerolog.Logger) *Classifier {
	return &Classifier{
		delegated: make(map[string]bool),
		logger:    logger,
	}
}

// Classify decides the route for an utterance on a thread and records the
// decision as the thread's new state before returning. The state write
// happens here, synchronously, rather than after the downstream agent call:
// a turn that delegates and then fails mid-flight must still count as a
// delegating turn, or the user's follow-up would be misrouted.
func (c *Classifier) Classify(utterance, threadID string) Decision {
	c.mu.Lock()
	prevDelegated := c.delegated[threadID]
	c.mu.Unlock()

	decision := c.decide(utterance, prevDelegated)

	c.mu.Lock()
	c.delegated[threadID] = decision == Delegate
	c.mu.Unlock()

	c.logger.Debug().
		Str("thread_id", threadID).
		Str("decision", decision.String()).
		Bool("previous_delegated", prevDelegated).
		Msg("Routing decision")
	return decision
}

// Forget clears a thread's routing state. Called on chat-clear and session
// eviction.
func (c *Classifier) Forget(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.delegated, threadID)
}

func (c *Classifier) decide(utterance string, prevDelegated bool) Decision {
	t := strings.ToLower(strings.TrimSpace(utterance))
	if t == "" {
		return Direct
	}

	// Follow-ups on a delegating turn take precedence: they refer to the
	// previous result set, which only the data agent can narrow.
	if prevDelegated && isFollowUp(t) {
		return Delegate
	}

	// Dates only signal a report query next to call-log entity words;
	// "my birthday is 12/08/1990" stays direct.
	if datePattern.MatchString(t) || dateISOPattern.MatchString(t) {
		if containsAny(t, callEntityWords) {
			return Delegate
		}
	}

	// Phone numbers and customer IDs.
	if numericIDPattern.MatchString(t) {
		return Delegate
	}

	// Count or aggregate phrasing over a known entity.
	if containsAny(t, countPhrases) && containsAny(t, countEntities) {
		return Delegate
	}

	// Status word next to an entity word ("failed calls", "missed interactions").
	if containsAny(t, statusWords) && containsAny(t, statusEntities) {
		return Delegate
	}

	// Call direction is only ever asked about records.
	if containsAny(t, directionWords) {
		return Delegate
	}

	if containsAny(t, dataWords) {
		return Delegate
	}

	return Direct
}

func isFollowUp(t string) bool {
	if followUpCountPattern.MatchString(t) {
		return true
	}
	for _, marker := range followUpMarkers {
		if containsWord(t, marker) {
			return true
		}
	}
	return false
}

func containsAny(t string, words []string) bool {
	for _, w := range words {
		if containsWord(t, w) {
			return true
		}
	}
	return false
}

// containsWord matches on word boundaries so "that" does not fire on
// "whatever" and "call" does not fire on "recall".
func containsWord(t, w string) bool {
	idx := 0
	for {
		i := strings.Index(t[idx:], w)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(w)
		beforeOK := start == 0 || !isWordByte(t[start-1])
		afterOK := end == len(t) || !isWordByte(t[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
