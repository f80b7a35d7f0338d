package services

import (
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhealth/chartminder/db"
)

func TestBuildDigest_Partitions(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	agg := NewDigestAggregator(NewDocumentService(pg), 72)
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(itemColumns()).
		AddRow("i-overdue", "Intake Note", "intake", db.ItemStatusOpen,
			now.Add(-30*time.Hour), "user-1", "u1@clinic.test", "Dana").
		AddRow("i-soon", "Progress Note", "progress_note", db.ItemStatusOpen,
			now.Add(48*time.Hour), "user-1", "u1@clinic.test", "Dana").
		AddRow("i-far", "Treatment Plan", "treatment_plan", db.ItemStatusOpen,
			now.Add(200*time.Hour), "user-1", "u1@clinic.test", "Dana")

	mock.ExpectQuery("FROM document_items").WithArgs("user-1").WillReturnRows(rows)

	batch, err := agg.BuildDigest("user-1", now)
	require.NoError(t, err)
	require.NotNil(t, batch)

	assert.Equal(t, DigestKindDaily, batch.Kind)
	assert.Equal(t, "u1@clinic.test", batch.RecipientEmail)
	require.Len(t, batch.Overdue, 1)
	assert.Equal(t, "i-overdue", batch.Overdue[0].ID)
	require.Len(t, batch.Upcoming, 1)
	assert.Equal(t, "i-soon", batch.Upcoming[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildDigest_NilWhenEmpty(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	agg := NewDigestAggregator(NewDocumentService(pg), 72)
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	// One open item, but it is beyond the lookahead horizon.
	rows := sqlmock.NewRows(itemColumns()).
		AddRow("i-far", "Treatment Plan", "treatment_plan", db.ItemStatusOpen,
			now.Add(200*time.Hour), "user-1", "u1@clinic.test", "Dana")

	mock.ExpectQuery("FROM document_items").WithArgs("user-1").WillReturnRows(rows)

	batch, err := agg.BuildDigest("user-1", now)
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildLockoutWarning_Kind(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	agg := NewDigestAggregator(NewDocumentService(pg), 72)
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(itemColumns()).
		AddRow("i-overdue", "Intake Note", "intake", db.ItemStatusOpen,
			now.Add(-5*time.Hour), "user-1", "u1@clinic.test", "Dana")

	mock.ExpectQuery("FROM document_items").WithArgs("user-1").WillReturnRows(rows)

	batch, err := agg.BuildLockoutWarning("user-1", now)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, DigestKindLockoutWarning, batch.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenderDigest(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	batch := &DigestBatch{
		RecipientID: "user-1",
		Kind:        DigestKindDaily,
		Overdue: []db.DocumentItem{
			{ID: "i1", Title: "Intake Note", TypeKey: "intake", DueDate: now.Add(-30 * time.Hour)},
		},
		Upcoming: []db.DocumentItem{
			{ID: "i2", Title: "Progress Note", TypeKey: "progress_note", DueDate: now.Add(48 * time.Hour)},
		},
	}

	subject, body := RenderDigest(batch, now)
	assert.Equal(t, "Documentation digest: 1 overdue, 1 due soon", subject)
	assert.True(t, strings.Contains(body, "Intake Note"))
	assert.True(t, strings.Contains(body, "30h overdue"))
	assert.True(t, strings.Contains(body, "Progress Note"))

	batch.Kind = DigestKindLockoutWarning
	subject, _ = RenderDigest(batch, now)
	assert.Equal(t, "Lockout warning: 2 items need attention before the cutoff", subject)
}
