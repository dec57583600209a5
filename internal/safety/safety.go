// Package safety detects conditions that require a human to see the job
// before any price is given: physical hazards and caller circumstances
// (commercial accounts, vulnerable callers, callers who cannot do a video
// call). A triggered [Verdict] overrides every catalog match.
package safety

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Reason names why the filter fired.
type Reason string

// Hazard reasons. These are also checked across the whole call transcript.
const (
	ReasonGas        Reason = "gas_hazard"
	ReasonElectrical Reason = "electrical_hazard"
	ReasonStructural Reason = "structural_hazard"
	ReasonDamp       Reason = "damp_mould"
)

// Caller-circumstance reasons.
const (
	ReasonCommercial Reason = "commercial"
	ReasonVulnerable Reason = "vulnerable_caller"
	ReasonTechAverse Reason = "tech_averse"
)

// IsHazard reports whether r describes a physical hazard.
func (r Reason) IsHazard() bool {
	switch r {
	case ReasonGas, ReasonElectrical, ReasonStructural, ReasonDamp:
		return true
	}
	return false
}

// Context carries what is known about the caller beyond the job text.
type Context struct {
	// LeadType is the operator-assigned lead category, e.g. "commercial".
	LeadType string

	IsElderly    bool
	IsCommercial bool
	IsTechAverse bool

	// RecentHistory holds the last few transcript segments. Hazards mentioned
	// there apply to the current task too.
	RecentHistory []string
}

// commercialLeadTypes are LeadType values that imply a commercial account.
var commercialLeadTypes = []string{"commercial", "property_manager", "landlord", "letting_agent"}

// Commercial reports whether the context flags a commercial account.
func (c Context) Commercial() bool {
	return c.IsCommercial || slices.Contains(commercialLeadTypes, strings.ToLower(strings.TrimSpace(c.LeadType)))
}

// Verdict is the filter outcome for one piece of text.
type Verdict struct {
	Triggered bool
	Reasons   []Reason

	// Terms are the literal phrases that matched, for the rationale.
	Terms []string
}

// Rationale is a one-line human-readable explanation of the verdict.
func (v Verdict) Rationale() string {
	if !v.Triggered {
		return ""
	}
	reasons := make([]string, len(v.Reasons))
	for i, r := range v.Reasons {
		reasons[i] = string(r)
	}
	s := "requires site visit: " + strings.Join(reasons, ", ")
	if len(v.Terms) > 0 {
		s += fmt.Sprintf(" (%s)", strings.Join(v.Terms, ", "))
	}
	return s
}

type rule struct {
	reason  Reason
	pattern *regexp.Regexp
}

var hazardRules = []rule{
	{ReasonGas, regexp.MustCompile(`\b(gas|fumes?|carbon monoxide|co alarm)\b`)},
	{ReasonElectrical, regexp.MustCompile(`\b(spark(s|ing|ed|y)?|burning|smoke|smoking|smoky|scorch(ed|ing)?|melted|exposed wires?)\b`)},
	{ReasonStructural, regexp.MustCompile(`\b(structural|foundations?|subsidence|collaps\w*|load[- ]bearing|sagging ceiling)\b`)},
	{ReasonDamp, regexp.MustCompile(`\b(mou?ld|mouldy|moldy|damp|black spots?|rising damp)\b`)},
}

var signalRules = []rule{
	{ReasonCommercial, regexp.MustCompile(`\b(property manager|managing agent|letting agent|commercial (property|premises|unit|kitchen)|our (office|shop|restaurant|tenants?))\b`)},
	{ReasonVulnerable, regexp.MustCompile(`\b(elderly|pensioner|frail|housebound|vulnerable|disabled|[89]\d years old)\b`)},
	{ReasonTechAverse, regexp.MustCompile(`\b(no smartphone|(dont|do not) have a smartphone|(cant|cannot|can not) (use|do) (a |the )?(smartphone|video|whatsapp|texts?|camera)|not good with (phones|technology|tech)|(dont|do not) do (video|whatsapp|texts?)|no whatsapp)\b`)},
}

// Filter is stateless and safe for concurrent use.
type Filter struct{}

// NewFilter returns a filter with the built-in hazard and caller rules.
func NewFilter() *Filter { return &Filter{} }

// Check evaluates text, the recent history and the caller flags.
func (f *Filter) Check(text string, c Context) Verdict {
	scan := normalise(strings.Join(append(slices.Clone(c.RecentHistory), text), " \n "))

	var v Verdict
	for _, r := range hazardRules {
		v.apply(r, scan)
	}
	for _, r := range signalRules {
		v.apply(r, scan)
	}
	if c.Commercial() {
		v.add(ReasonCommercial, "")
	}
	if c.IsElderly {
		v.add(ReasonVulnerable, "")
	}
	if c.IsTechAverse {
		v.add(ReasonTechAverse, "")
	}
	return v
}

// Hazards returns the hazard reasons present anywhere in text. It ignores
// caller signals and is used for the call-wide scan of the raw transcript.
func (f *Filter) Hazards(text string) []Reason {
	scan := normalise(text)
	var v Verdict
	for _, r := range hazardRules {
		v.apply(r, scan)
	}
	return v.Reasons
}

func (v *Verdict) apply(r rule, text string) {
	if m := r.pattern.FindString(text); m != "" {
		v.add(r.reason, m)
	}
}

func (v *Verdict) add(r Reason, term string) {
	v.Triggered = true
	if !slices.Contains(v.Reasons, r) {
		v.Reasons = append(v.Reasons, r)
	}
	if term != "" && !slices.Contains(v.Terms, term) {
		v.Terms = append(v.Terms, term)
	}
}

// normalise lowercases and drops apostrophes so "can't" and "cant" match alike.
func normalise(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer("'", "", "’", "").Replace(s)
}
