// Package checklist tracks the named document slots of a workflow run and
// their upload and verification state. A Checklist is not safe for
// concurrent use; its owner serializes access.
package checklist

import (
	"fmt"
	"sort"
	"time"

	"github.com/pitabwire/stepper/model"
)

// Slot is the state of one document placeholder.
type Slot struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Required   bool       `json:"required"`
	Status     string     `json:"status"`
	FileRef    string     `json:"file_ref,omitempty"`
	Note       string     `json:"note,omitempty"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
}

// Satisfied reports whether the slot counts toward required coverage.
func (s Slot) Satisfied() bool {
	return s.Status == model.DocumentUploaded || s.Status == model.DocumentVerified
}

// Checklist maps slot ids to slot state.
type Checklist struct {
	slots    map[string]*Slot
	order    []string
	revision int
	now      func() time.Time
}

// New returns an empty checklist.
func New() *Checklist {
	return &Checklist{slots: make(map[string]*Slot), now: time.Now}
}

// WithClock replaces the time source used for upload timestamps.
func (c *Checklist) WithClock(now func() time.Time) *Checklist {
	c.now = now
	return c
}

// RegisterSlot creates a missing slot, or updates label and required flag of
// an existing slot without touching its status.
func (c *Checklist) RegisterSlot(id, label string, required bool) {
	if s, ok := c.slots[id]; ok {
		if s.Label == label && s.Required == required {
			return
		}
		s.Label = label
		s.Required = required
		c.revision++
		return
	}
	c.slots[id] = &Slot{ID: id, Label: label, Required: required, Status: model.DocumentMissing}
	c.order = append(c.order, id)
	c.revision++
}

// Has reports whether id is registered.
func (c *Checklist) Has(id string) bool {
	_, ok := c.slots[id]
	return ok
}

// MarkUploaded records an upload. Only the opaque file reference is kept.
func (c *Checklist) MarkUploaded(id, fileRef string) error {
	s, ok := c.slots[id]
	if !ok {
		return model.NewUnknownSlotError(id)
	}
	if fileRef == "" {
		return model.NewBadRequestError(fmt.Sprintf("document slot %q: file reference is empty", id))
	}
	at := c.now().UTC()
	s.Status = model.DocumentUploaded
	s.FileRef = fileRef
	s.Note = ""
	s.UploadedAt = &at
	c.revision++
	return nil
}

// MarkVerified records a positive verification of an uploaded document.
func (c *Checklist) MarkVerified(id string) error {
	return c.judge(id, model.DocumentVerified, "")
}

// MarkRejected records a rejected document. A rejected slot no longer
// satisfies its requirement.
func (c *Checklist) MarkRejected(id, reason string) error {
	return c.judge(id, model.DocumentRejected, reason)
}

func (c *Checklist) judge(id, status, note string) error {
	s, ok := c.slots[id]
	if !ok {
		return model.NewUnknownSlotError(id)
	}
	if s.Status == model.DocumentMissing {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("document slot %q has no upload to verify", id))
	}
	s.Status = status
	s.Note = note
	c.revision++
	return nil
}

// Reset explicitly returns a slot to missing.
func (c *Checklist) Reset(id string) error {
	s, ok := c.slots[id]
	if !ok {
		return model.NewUnknownSlotError(id)
	}
	s.Status = model.DocumentMissing
	s.FileRef = ""
	s.Note = ""
	s.UploadedAt = nil
	c.revision++
	return nil
}

// Satisfied reports whether slot id is uploaded or verified.
func (c *Checklist) Satisfied(id string) bool {
	s, ok := c.slots[id]
	return ok && s.Satisfied()
}

// AllRequiredSatisfied is true iff every required slot is uploaded or verified.
func (c *Checklist) AllRequiredSatisfied() bool {
	for _, s := range c.slots {
		if s.Required && !s.Satisfied() {
			return false
		}
	}
	return true
}

// Slot returns a copy of the slot state.
func (c *Checklist) Slot(id string) (Slot, bool) {
	s, ok := c.slots[id]
	if !ok {
		return Slot{}, false
	}
	return *s, true
}

// Slots returns copies of all slots in registration order.
func (c *Checklist) Slots() []Slot {
	out := make([]Slot, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.slots[id])
	}
	return out
}

// Revision increments on every mutation.
func (c *Checklist) Revision() int { return c.revision }

// Export returns the persistable form of every slot.
func (c *Checklist) Export() map[string]model.DocumentState {
	out := make(map[string]model.DocumentState, len(c.slots))
	for i, id := range c.order {
		s := c.slots[id]
		out[id] = model.DocumentState{
			Label:      s.Label,
			Required:   s.Required,
			Status:     s.Status,
			FileRef:    s.FileRef,
			Note:       s.Note,
			UploadedAt: s.UploadedAt,
			Order:      i,
		}
	}
	return out
}

// Import replaces the checklist contents with persisted state.
func (c *Checklist) Import(docs map[string]model.DocumentState, revision int) {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if docs[ids[i]].Order != docs[ids[j]].Order {
			return docs[ids[i]].Order < docs[ids[j]].Order
		}
		return ids[i] < ids[j]
	})

	c.slots = make(map[string]*Slot, len(docs))
	c.order = c.order[:0]
	for _, id := range ids {
		d := docs[id]
		status := d.Status
		if status == "" {
			status = model.DocumentMissing
		}
		c.slots[id] = &Slot{
			ID:         id,
			Label:      d.Label,
			Required:   d.Required,
			Status:     status,
			FileRef:    d.FileRef,
			Note:       d.Note,
			UploadedAt: d.UploadedAt,
		}
		c.order = append(c.order, id)
	}
	c.revision = revision
}
