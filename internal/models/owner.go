package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OwnerType is the closed set of business records that can hold attachments.
type OwnerType string

const (
	OwnerTypeTool       OwnerType = "tool"
	OwnerTypeRma        OwnerType = "rma"
	OwnerTypePassdown   OwnerType = "passdown"
	OwnerTypeTrackTrend OwnerType = "track_trend"
)

var validOwnerTypes = map[OwnerType]struct{}{
	OwnerTypeTool:       {},
	OwnerTypeRma:        {},
	OwnerTypePassdown:   {},
	OwnerTypeTrackTrend: {},
}

// OwnerTypes returns every supported owner type.
func OwnerTypes() []OwnerType {
	return []OwnerType{OwnerTypeTool, OwnerTypeRma, OwnerTypePassdown, OwnerTypeTrackTrend}
}

// OwnerRef identifies one owner record.
type OwnerRef struct {
	Type OwnerType `json:"type" yaml:"type"`
	ID   int64     `json:"id" yaml:"id"`
}

func (r OwnerRef) String() string {
	return fmt.Sprintf("%s#%d", r.Type, r.ID)
}

// Owner is a business record together with its materialized attachment
// collection. The collection is loaded explicitly by the repository.
type Owner struct {
	Type        OwnerType    `json:"type" yaml:"type"`
	ID          int64        `json:"id" yaml:"id"`
	Name        string       `json:"name,omitempty" yaml:"name,omitempty"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at"`
	Attachments []Attachment `json:"attachments" yaml:"attachments"`
}

// Ref returns the owner's reference.
func (o *Owner) Ref() OwnerRef {
	return OwnerRef{Type: o.Type, ID: o.ID}
}

// CountAttachment reports how many collection entries point at id.
func (o *Owner) CountAttachment(id string) int {
	n := 0
	for _, a := range o.Attachments {
		if a.ID == id {
			n++
		}
	}
	return n
}

// HasFilePath reports whether the collection already holds a file path.
func (o *Owner) HasFilePath(path string) bool {
	for _, a := range o.Attachments {
		if a.FilePath == path {
			return true
		}
	}
	return false
}

// AddAttachment appends a to the collection.
func (o *Owner) AddAttachment(a Attachment) {
	o.Attachments = append(o.Attachments, a)
}

// RemoveAttachment drops every collection entry pointing at id and returns
// the number removed.
func (o *Owner) RemoveAttachment(id string) int {
	kept := o.Attachments[:0]
	removed := 0
	for _, a := range o.Attachments {
		if a.ID == id {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	o.Attachments = kept
	return removed
}

// CollapseAttachment keeps only the first entry pointing at id.
func (o *Owner) CollapseAttachment(id string) int {
	kept := o.Attachments[:0]
	seen := false
	dropped := 0
	for _, a := range o.Attachments {
		if a.ID == id {
			if seen {
				dropped++
				continue
			}
			seen = true
		}
		kept = append(kept, a)
	}
	o.Attachments = kept
	return dropped
}

func ParseOwnerType(raw string) (OwnerType, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.ReplaceAll(value, "-", "_")
	if value == "tracktrend" {
		value = string(OwnerTypeTrackTrend)
	}
	if value == "" {
		return "", fmt.Errorf("owner type is required")
	}
	ownerType := OwnerType(value)
	if _, ok := validOwnerTypes[ownerType]; !ok {
		names := make([]string, 0, len(validOwnerTypes))
		for _, t := range OwnerTypes() {
			names = append(names, string(t))
		}
		return "", fmt.Errorf("invalid owner type: %s (want one of %s)", value, strings.Join(names, ", "))
	}
	return ownerType, nil
}

// ParseOwnerRef parses "type#id" or "type:id".
func ParseOwnerRef(raw string) (OwnerRef, error) {
	raw = strings.TrimSpace(raw)
	sep := strings.IndexAny(raw, "#:")
	if sep <= 0 || sep == len(raw)-1 {
		return OwnerRef{}, fmt.Errorf("owner must look like type#id: %q", raw)
	}
	ownerType, err := ParseOwnerType(raw[:sep])
	if err != nil {
		return OwnerRef{}, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw[sep+1:]), 10, 64)
	if err != nil || id <= 0 {
		return OwnerRef{}, fmt.Errorf("invalid owner id in %q", raw)
	}
	return OwnerRef{Type: ownerType, ID: id}, nil
}
