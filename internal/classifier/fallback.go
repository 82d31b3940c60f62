package classifier

import (
	"strings"
	"unicode"

	"ledgerflow/internal/domain"
)

// Fallback confidence levels. They stay well below typical backend confidence so
// heuristic labels are never mistaken for confirmed ones.
const (
	StrongMatchConfidence = 0.6
	WeakMatchConfidence   = 0.45
	NoMatchConfidence     = 0.3

	LabelUncategorized = "uncategorized"
)

// Rule maps keywords to a label. Keywords match whole words or phrases.
type Rule struct {
	Label    string
	Keywords []string
}

// DefaultRules are checked in order; ties go to the earlier rule.
var DefaultRules = []Rule{
	{Label: "groceries", Keywords: []string{"grocery", "groceries", "supermarket", "whole foods", "trader joe", "safeway", "kroger", "aldi", "costco", "market"}},
	{Label: "dining", Keywords: []string{"restaurant", "cafe", "coffee", "starbucks", "pizza", "mcdonald", "burger", "doordash", "uber eats", "grubhub", "bistro", "grill", "sushi"}},
	{Label: "transport", Keywords: []string{"uber", "lyft", "taxi", "fuel", "gas station", "shell", "chevron", "parking", "transit", "metro", "toll"}},
	{Label: "housing", Keywords: []string{"rent", "mortgage", "landlord", "hoa", "property"}},
	{Label: "utilities", Keywords: []string{"electric", "electricity", "water", "internet", "comcast", "verizon", "utility", "phone", "broadband"}},
	{Label: "entertainment", Keywords: []string{"netflix", "spotify", "hulu", "cinema", "movie", "steam", "concert", "disney"}},
	{Label: "shopping", Keywords: []string{"amazon", "target", "walmart", "ebay", "store", "ikea", "etsy"}},
	{Label: "health", Keywords: []string{"pharmacy", "cvs", "walgreens", "doctor", "dental", "clinic", "hospital", "gym", "fitness"}},
	{Label: "travel", Keywords: []string{"hotel", "airbnb", "booking", "expedia", "airline", "airlines", "flight"}},
	{Label: "insurance", Keywords: []string{"insurance", "geico", "premium", "allstate"}},
	{Label: "income", Keywords: []string{"salary", "payroll", "deposit", "dividend", "interest", "refund", "paycheck"}},
	{Label: "transfer", Keywords: []string{"transfer", "venmo", "zelle", "paypal", "wire"}},
	{Label: "fees", Keywords: []string{"fee", "atm", "overdraft", "penalty"}},
}

// Fallback is a deterministic keyword classifier. It never fails.
type Fallback struct {
	rules []Rule
}

func NewFallback(rules []Rule) *Fallback {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	normalized := make([]Rule, len(rules))
	for i, r := range rules {
		kws := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			if n := normalize(kw); n != "" {
				kws = append(kws, n)
			}
		}
		normalized[i] = Rule{Label: r.Label, Keywords: kws}
	}
	return &Fallback{rules: normalized}
}

func (f *Fallback) Classify(p domain.Payload) domain.Classification {
	text := " " + normalize(p.Description) + " "

	best, bestHits := "", 0
	for _, r := range f.rules {
		hits := 0
		for _, kw := range r.Keywords {
			if strings.Contains(text, " "+kw+" ") {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = r.Label, hits
		}
	}

	switch {
	case bestHits >= 2:
		return domain.Classification{Label: best, Confidence: StrongMatchConfidence, Source: domain.SourceFallback}
	case bestHits == 1:
		return domain.Classification{Label: best, Confidence: WeakMatchConfidence, Source: domain.SourceFallback}
	}

	// The transaction kind is a weak signal on its own.
	switch strings.ToLower(p.Kind) {
	case "income":
		return domain.Classification{Label: "income", Confidence: NoMatchConfidence, Source: domain.SourceFallback}
	case "transfer":
		return domain.Classification{Label: "transfer", Confidence: NoMatchConfidence, Source: domain.SourceFallback}
	}
	return domain.Classification{Label: LabelUncategorized, Confidence: NoMatchConfidence, Source: domain.SourceFallback}
}

// normalize lowercases s and collapses every run of non-alphanumerics to one space.
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
