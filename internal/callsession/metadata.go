package callsession

import (
	"slices"
	"strconv"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/safety"
)

// Metadata is what the operator or CRM knows about the caller. Nil flags are
// unknown and never overwrite a known value on merge.
type Metadata struct {
	CustomerName string `json:"customerName,omitempty"`
	Address      string `json:"address,omitempty"`
	Postcode     string `json:"postcode,omitempty"`
	Urgency      string `json:"urgency,omitempty"`
	LeadType     string `json:"leadType,omitempty"`

	IsElderly    *bool `json:"isElderly,omitempty"`
	IsCommercial *bool `json:"isCommercial,omitempty"`
	IsTechAverse *bool `json:"isTechAverse,omitempty"`
}

// Merge returns m updated with every non-empty field of o.
func (m Metadata) Merge(o Metadata) Metadata {
	setIf(&m.CustomerName, o.CustomerName)
	setIf(&m.Address, o.Address)
	setIf(&m.Postcode, o.Postcode)
	setIf(&m.Urgency, o.Urgency)
	setIf(&m.LeadType, o.LeadType)
	m.IsElderly = mergeFlag(m.IsElderly, o.IsElderly)
	m.IsCommercial = mergeFlag(m.IsCommercial, o.IsCommercial)
	m.IsTechAverse = mergeFlag(m.IsTechAverse, o.IsTechAverse)
	return m
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeFlag(cur, next *bool) *bool {
	if next == nil {
		return cur
	}
	v := *next
	return &v
}

// Map flattens the known fields for persistence.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string)
	for k, v := range map[string]string{
		"customerName": m.CustomerName,
		"address":      m.Address,
		"postcode":     m.Postcode,
		"urgency":      m.Urgency,
		"leadType":     m.LeadType,
	} {
		if v != "" {
			out[k] = v
		}
	}
	for k, v := range map[string]*bool{
		"isElderly":    m.IsElderly,
		"isCommercial": m.IsCommercial,
		"isTechAverse": m.IsTechAverse,
	} {
		if v != nil {
			out[k] = strconv.FormatBool(*v)
		}
	}
	return out
}

func (m Metadata) context(history []string) safety.Context {
	return safety.Context{
		LeadType:      m.LeadType,
		IsElderly:     flag(m.IsElderly),
		IsCommercial:  flag(m.IsCommercial),
		IsTechAverse:  flag(m.IsTechAverse),
		RecentHistory: slices.Clone(history),
	}
}

func flag(b *bool) bool { return b != nil && *b }
