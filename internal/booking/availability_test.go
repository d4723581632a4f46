package booking

import (
	"testing"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAvailability(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, nil)

	rules, err := svc.SetAvailability(f.ctx, f.owner.ID, []RuleInput{
		{Day: models.Wednesday, Start: "13:00", End: "18:30"},
		{Day: models.Monday, Start: "09:00", End: "17:00"},
	})
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, models.Monday, rules[0].DayOfWeek)
	assert.Equal(t, "09:00", FormatClock(rules[0].StartTime))
	assert.Equal(t, "18:30", FormatClock(rules[1].EndTime))

	opens, closes := rules[1].Window(monday.AddDate(0, 0, 2))
	assert.Equal(t, at(48+13, 0), opens)
	assert.Equal(t, 5*time.Hour+30*time.Minute, closes.Sub(opens))

	// The whole set is replaced.
	rules, err = svc.SetAvailability(f.ctx, f.owner.ID, []RuleInput{{Day: models.Friday, Start: "10:00", End: "12:00"}})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, models.Friday, rules[0].DayOfWeek)
}

func TestSetAvailabilityRejectsBadRules(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, nil)
	f.availability(t, svc, RuleInput{Day: models.Monday, Start: "09:00", End: "17:00"})

	tests := []struct {
		name  string
		rules []RuleInput
		code  string
	}{
		{"day out of range", []RuleInput{{Day: 7, Start: "09:00", End: "17:00"}}, apperr.CodeInvalidDay},
		{"negative day", []RuleInput{{Day: -1, Start: "09:00", End: "17:00"}}, apperr.CodeInvalidDay},
		{"duplicate", []RuleInput{{Day: 1, Start: "09:00", End: "12:00"}, {Day: 1, Start: "13:00", End: "17:00"}}, apperr.CodeDuplicateDay},
		{"inverted", []RuleInput{{Day: 1, Start: "17:00", End: "09:00"}}, apperr.CodeInvalidWindow},
		{"empty window", []RuleInput{{Day: 1, Start: "09:00", End: "09:00"}}, apperr.CodeInvalidWindow},
		{"not a clock", []RuleInput{{Day: 1, Start: "9am", End: "17:00"}}, apperr.CodeInvalidWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SetAvailability(f.ctx, f.owner.ID, tt.rules)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperr.CodeOf(err))
			assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		})
	}

	// A rejected set leaves the stored one alone.
	rules, err := svc.Availability(f.ctx, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, models.Monday, rules[0].DayOfWeek)
}

func TestEnsurePublicHandle(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, nil)

	h, err := svc.EnsurePublicHandle(f.ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, "ana", h)

	first := &models.Owner{Email: "Maria.Silva@example.com"}
	require.NoError(t, f.store.CreateOwner(f.ctx, first))
	second := &models.Owner{Email: "maria.silva@other.example"}
	require.NoError(t, f.store.CreateOwner(f.ctx, second))

	h, err = svc.EnsurePublicHandle(f.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "maria-silva", h)

	h, err = svc.EnsurePublicHandle(f.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "maria-silva2", h)

	owner, err := f.store.OwnerByHandle(f.ctx, "maria-silva2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, owner.ID)
}

func TestSetDefaultSlot(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, nil)

	require.NoError(t, svc.SetDefaultSlot(f.ctx, f.owner.ID, 60))
	owner, err := f.store.OwnerByID(f.ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, owner.DefaultSlotMinutes)

	err = svc.SetDefaultSlot(f.ctx, f.owner.ID, 15)
	assert.Equal(t, apperr.CodeInvalidDuration, apperr.CodeOf(err))
}
