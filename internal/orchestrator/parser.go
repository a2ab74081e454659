package orchestrator

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/nikolarss0n/mediafind/internal/models"
)

// QueryParser turns a free-text query into a structured intent. Parsing is
// total and deterministic: the same string always yields the same intent, and
// malformed input degrades to absent fields, never an error.
type QueryParser struct {
	mu         sync.RWMutex
	vocabulary []string
	known      map[string]struct{}
}

func NewQueryParser(knownPlaces []string) *QueryParser {
	p := &QueryParser{known: make(map[string]struct{})}
	for _, place := range knownPlaces {
		p.addPlaceLocked(place)
	}
	return p
}

var (
	// myMediaPattern confirms that "my" possesses a media noun in the query.
	// "photos of my vacation" has "my" binding "vacation", so it fails here;
	// "my photos from Miraggio" matches.
	myMediaPattern = regexp.MustCompile(`(?i)\bmy\s+(photos?|pictures?|images?|videos?)\b`)

	myMediaPrepPattern = regexp.MustCompile(`\bmy\s+(photos?|pictures?|images?|videos?)\s+(from|at|in|of)\b`)

	limitPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(\d+)\s+photos?`),
		regexp.MustCompile(`(\d+)\s+pictures?`),
		regexp.MustCompile(`(\d+)\s+videos?`),
		regexp.MustCompile(`(\d+)\s+images?`),
		regexp.MustCompile(`show me (\d+)`),
		regexp.MustCompile(`find (\d+)`),
		regexp.MustCompile(`top (\d+)`),
		regexp.MustCompile(`last (\d+)`),
		regexp.MustCompile(`latest (\d+)`),
	}

	timePatterns = []*regexp.Regexp{
		regexp.MustCompile(`last (week|month|year)`),
		regexp.MustCompile(`this (week|month|year)`),
		regexp.MustCompile(`(yesterday|today)`),
		regexp.MustCompile(`(\d+) days? ago`),
		regexp.MustCompile(`(summer|winter|spring|fall|autumn)`),
	}
)

// ownershipPhrases signal a request for media depicting the requester.
// Phrases of the form "my <media noun>" are handled separately so that
// possessive-object phrases ("photos of my vacation") stay excluded.
var ownershipPhrases = []string{
	"photos of me", "photo of me",
	"pictures of me", "picture of me",
	"images of me", "image of me",
	"videos of me", "video of me",
	"photos with me", "photo with me",
	"pictures with me", "picture with me",
	"videos with me", "video with me",
	"where i am", "where i'm",
	"i'm in", "i am in",
}

var locationPrepositions = map[string]struct{}{
	"from": {}, "at": {}, "in": {}, "near": {},
}

var locationStopWords = map[string]struct{}{
	"and": {}, "or": {}, "with": {}, "where": {}, "when": {},
	"that": {}, "this": {}, "a": {}, "show": {}, "find": {}, "get": {},
}

// locationTerminators end the captured span but are themselves included.
var locationTerminators = map[string]struct{}{
	"hotel": {}, "resort": {}, "beach": {}, "restaurant": {},
}

const maxLocationWords = 4

// Parse runs each extractor over the query and combines the results. The
// extractors write disjoint fields, so their order does not matter.
func (p *QueryParser) Parse(query string) *models.QueryIntent {
	intent := &models.QueryIntent{
		SearchTerms: query,
		MediaType:   models.MediaTypeAll,
	}

	if strings.TrimSpace(query) == "" {
		return intent
	}

	intent.IsMyPhotosRequest = p.detectOwnership(query)
	intent.Location = p.extractLocation(query)
	intent.Limit = extractLimit(query)
	intent.MediaType = detectMediaType(query)
	intent.TimePeriod = extractTimePeriod(query)

	return intent
}

// detectOwnership reports whether the query asks for media depicting the
// requester, as opposed to media about something the requester possesses.
func (p *QueryParser) detectOwnership(query string) bool {
	q := strings.ToLower(query)

	for _, phrase := range ownershipPhrases {
		if strings.Contains(q, phrase) {
			return true
		}
	}

	if strings.Contains(q, "my photo") ||
		strings.Contains(q, "my picture") ||
		strings.Contains(q, "my image") ||
		strings.Contains(q, "my video") ||
		myMediaPrepPattern.MatchString(q) {
		// Confirm against the original query: "my" must directly possess the
		// media noun. This is what keeps "photos of my vacation" false.
		return myMediaPattern.MatchString(query)
	}

	return false
}

// extractLocation captures the word span after the leftmost location
// preposition, then applies fuzzy correction against the place vocabulary.
func (p *QueryParser) extractLocation(query string) string {
	words := strings.Fields(query)

	prep := -1
	for i, w := range words {
		if _, ok := locationPrepositions[strings.ToLower(w)]; ok {
			prep = i
			break
		}
	}
	if prep < 0 || prep+1 >= len(words) {
		return ""
	}

	rest := words[prep+1:]
	if strings.ToLower(rest[0]) == "the" {
		rest = rest[1:]
	}

	var captured []string
	for _, w := range rest {
		lw := strings.ToLower(strings.Trim(w, ".,!?"))
		if _, stop := locationStopWords[lw]; stop {
			break
		}
		captured = append(captured, strings.Trim(w, ".,!?"))
		if _, term := locationTerminators[lw]; term {
			break
		}
		if len(captured) == maxLocationWords {
			break
		}
	}
	if len(captured) == 0 {
		return ""
	}

	raw := strings.Join(captured, " ")

	p.mu.RLock()
	defer p.mu.RUnlock()
	if corrected, ok := correctPlace(raw, p.vocabulary); ok {
		return corrected
	}
	return raw
}

func extractLimit(query string) int {
	q := strings.ToLower(query)
	for _, re := range limitPatterns {
		if m := re.FindStringSubmatch(q); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}

func detectMediaType(query string) models.MediaType {
	q := strings.ToLower(query)

	hasVideo := strings.Contains(q, "video")
	hasPhoto := strings.Contains(q, "photo") ||
		strings.Contains(q, "picture") ||
		strings.Contains(q, "image")

	switch {
	case hasVideo && !hasPhoto:
		return models.MediaTypeVideo
	case hasPhoto && !hasVideo:
		return models.MediaTypePhoto
	default:
		return models.MediaTypeAll
	}
}

func extractTimePeriod(query string) string {
	q := strings.ToLower(query)
	for _, re := range timePatterns {
		if m := re.FindString(q); m != "" {
			return m
		}
	}
	return ""
}

// AddPlace feeds a place name into the correction vocabulary. The geocoding
// path calls this for names it successfully resolves, so later typos of the
// same place get corrected.
func (p *QueryParser) AddPlace(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addPlaceLocked(name)
}

func (p *QueryParser) addPlaceLocked(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	key := strings.ToLower(name)
	if _, ok := p.known[key]; ok {
		return
	}
	p.known[key] = struct{}{}
	p.vocabulary = append(p.vocabulary, name)
}
