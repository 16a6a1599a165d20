package checklist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/stepper/model"
)

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestRegisterSlot_idempotent(t *testing.T) {
	c := New()
	c.RegisterSlot("panCard", "PAN card", true)
	require.NoError(t, c.MarkUploaded("panCard", "ref-1"))
	rev := c.Revision()

	c.RegisterSlot("panCard", "PAN card", true)
	assert.Equal(t, rev, c.Revision(), "identical re-registration must not count as a mutation")

	c.RegisterSlot("panCard", "PAN card (front)", false)
	slot, ok := c.Slot("panCard")
	require.True(t, ok)
	assert.Equal(t, "PAN card (front)", slot.Label)
	assert.False(t, slot.Required)
	assert.Equal(t, model.DocumentUploaded, slot.Status, "status must survive re-registration")
	assert.Equal(t, rev+1, c.Revision())
}

func TestMarkUploaded_unknownSlot(t *testing.T) {
	c := New()
	c.RegisterSlot("aadhar", "Aadhar card", true)
	before := c.AllRequiredSatisfied()
	rev := c.Revision()

	err := c.MarkUploaded("panCard", "ref-1")
	require.Error(t, err)
	assert.True(t, model.HasCode(err, model.ErrUnknownSlot))
	assert.Equal(t, before, c.AllRequiredSatisfied())
	assert.Equal(t, rev, c.Revision())
	assert.False(t, c.Has("panCard"))
}

func TestMarkUploaded_storesReference(t *testing.T) {
	c := New().WithClock(fixedClock())
	c.RegisterSlot("electricityBill", "Electricity bill", true)

	require.NoError(t, c.MarkUploaded("electricityBill", "tenant/inst/bill.pdf"))
	slot, _ := c.Slot("electricityBill")
	assert.Equal(t, model.DocumentUploaded, slot.Status)
	assert.Equal(t, "tenant/inst/bill.pdf", slot.FileRef)
	require.NotNil(t, slot.UploadedAt)
	assert.Equal(t, fixedClock()(), *slot.UploadedAt)

	require.NoError(t, c.MarkUploaded("electricityBill", "tenant/inst/bill-v2.pdf"))
	slot, _ = c.Slot("electricityBill")
	assert.Equal(t, "tenant/inst/bill-v2.pdf", slot.FileRef, "re-upload overwrites")
	assert.Len(t, c.Slots(), 1, "re-upload never removes or duplicates the slot")
}

func TestMarkUploaded_emptyReference(t *testing.T) {
	c := New()
	c.RegisterSlot("aadhar", "Aadhar card", true)
	err := c.MarkUploaded("aadhar", "")
	assert.True(t, model.HasCode(err, model.ErrBadRequest))
	assert.False(t, c.Satisfied("aadhar"))
}

func TestAllRequiredSatisfied(t *testing.T) {
	c := New()
	c.RegisterSlot("aadhar", "Aadhar card", true)
	c.RegisterSlot("panCard", "PAN card", true)
	c.RegisterSlot("photo", "Photo", false)

	assert.False(t, c.AllRequiredSatisfied())
	require.NoError(t, c.MarkUploaded("aadhar", "a"))
	assert.False(t, c.AllRequiredSatisfied())
	require.NoError(t, c.MarkUploaded("panCard", "p"))
	assert.True(t, c.AllRequiredSatisfied(), "optional slots do not block")

	require.NoError(t, c.MarkVerified("panCard"))
	assert.True(t, c.AllRequiredSatisfied(), "verified counts as satisfied")

	require.NoError(t, c.MarkRejected("aadhar", "blurry scan"))
	assert.False(t, c.AllRequiredSatisfied(), "rejected does not count")
	slot, _ := c.Slot("aadhar")
	assert.Equal(t, "blurry scan", slot.Note)
}

func TestVerify_requiresUpload(t *testing.T) {
	c := New()
	c.RegisterSlot("aadhar", "Aadhar card", true)

	err := c.MarkVerified("aadhar")
	assert.True(t, model.HasCode(err, model.ErrInvalidTransition))
	err = c.MarkRejected("missing", "x")
	assert.True(t, model.HasCode(err, model.ErrUnknownSlot))
}

func TestReset(t *testing.T) {
	c := New()
	c.RegisterSlot("aadhar", "Aadhar card", true)
	require.NoError(t, c.MarkUploaded("aadhar", "a"))
	require.NoError(t, c.Reset("aadhar"))

	slot, _ := c.Slot("aadhar")
	assert.Equal(t, model.DocumentMissing, slot.Status)
	assert.Empty(t, slot.FileRef)
	assert.Nil(t, slot.UploadedAt)
	assert.True(t, model.HasCode(c.Reset("nope"), model.ErrUnknownSlot))
}

func TestRevision_incrementsPerMutation(t *testing.T) {
	c := New()
	c.RegisterSlot("a", "A", true)
	c.RegisterSlot("b", "B", false)
	require.NoError(t, c.MarkUploaded("a", "ref"))
	require.NoError(t, c.MarkVerified("a"))
	require.NoError(t, c.Reset("a"))
	assert.Equal(t, 5, c.Revision())
}

func TestExportImport_roundTrip(t *testing.T) {
	c := New().WithClock(fixedClock())
	c.RegisterSlot("z-last", "Z", true)
	c.RegisterSlot("a-first", "A", false)
	require.NoError(t, c.MarkUploaded("z-last", "ref-z"))
	require.NoError(t, c.MarkRejected("z-last", "expired"))

	restored := New()
	restored.Import(c.Export(), c.Revision())

	assert.Equal(t, c.Slots(), restored.Slots())
	assert.Equal(t, c.Revision(), restored.Revision())
	assert.Equal(t, "z-last", restored.Slots()[0].ID, "registration order survives")
}
