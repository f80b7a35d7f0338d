package services

import (
	"database/sql"
	"log"

	"github.com/quillhealth/chartminder/db"
)

// DocumentService reads the records system's view of trackable documentation
// items. Strictly read-only: the engine never mutates documents.
type DocumentService struct {
	PG *sql.DB
}

func NewDocumentService(pg *sql.DB) *DocumentService {
	return &DocumentService{PG: pg}
}

const documentItemColumns = `id, title, type_key, status, due_date, assignee_id, assignee_email, COALESCE(assignee_name, '')`

// GetOpenItemsWithDueDates returns all non-finalized items that have a due
// date, ordered by due date ascending.
func (s *DocumentService) GetOpenItemsWithDueDates() ([]db.DocumentItem, error) {
	query := `
		SELECT ` + documentItemColumns + `
		FROM document_items
		WHERE status NOT IN ('signed', 'locked', 'completed', 'withdrawn')
		AND due_date IS NOT NULL
		ORDER BY due_date ASC
	`

	rows, err := s.PG.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDocumentItems(rows)
}

// GetOpenItemsForRecipient returns all non-finalized items assigned to one
// clinician, ordered by due date ascending.
func (s *DocumentService) GetOpenItemsForRecipient(recipientID string) ([]db.DocumentItem, error) {
	query := `
		SELECT ` + documentItemColumns + `
		FROM document_items
		WHERE status NOT IN ('signed', 'locked', 'completed', 'withdrawn')
		AND due_date IS NOT NULL
		AND assignee_id = $1
		ORDER BY due_date ASC
	`

	rows, err := s.PG.Query(query, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDocumentItems(rows)
}

// GetItem fetches a single item, or nil if it no longer exists.
func (s *DocumentService) GetItem(id string) (*db.DocumentItem, error) {
	query := `
		SELECT ` + documentItemColumns + `
		FROM document_items
		WHERE id = $1
	`

	var item db.DocumentItem
	var dueDate sql.NullTime
	err := s.PG.QueryRow(query, id).Scan(
		&item.ID, &item.Title, &item.TypeKey, &item.Status,
		&dueDate, &item.AssigneeID, &item.AssigneeEmail, &item.AssigneeName,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if dueDate.Valid {
		item.DueDate = dueDate.Time
	}
	return &item, nil
}

// GetItemStatus fetches the current status of a single item.
func (s *DocumentService) GetItemStatus(id string) (string, error) {
	var status string
	err := s.PG.QueryRow(`SELECT status FROM document_items WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return "", err
	}
	return status, nil
}

func scanDocumentItems(rows *sql.Rows) ([]db.DocumentItem, error) {
	var items []db.DocumentItem
	for rows.Next() {
		var item db.DocumentItem
		var dueDate sql.NullTime
		err := rows.Scan(
			&item.ID, &item.Title, &item.TypeKey, &item.Status,
			&dueDate, &item.AssigneeID, &item.AssigneeEmail, &item.AssigneeName,
		)
		if err != nil {
			log.Printf("DocumentService: error scanning item: %v", err)
			continue
		}
		if dueDate.Valid {
			item.DueDate = dueDate.Time
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
