package export

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/leadflow/internal/config"
	"github.com/leadflow/internal/models"
	"github.com/leadflow/pkg/logger"
	"github.com/leadflow/pkg/ratelimit"
)

// LeadColumns defines the column headers for the leads sheet
var LeadColumns = []string{
	"ID",
	"Source",
	"Title",
	"Status",
	"Contact",
	"Email",
	"Phone",
	"Company",
	"Price",
	"Category",
	"City",
	"Tags",
	"Assigned To",
	"URL",
	"Posted At",
	"Exported At",
}

// Columns the exporter owns on re-export; the rest are left for the sales team
const (
	statusColumn   = "D"
	tagsColumn     = "L"
	assignedColumn = "M"
)

// SheetsExporter appends qualified leads to a Google Sheet
type SheetsExporter struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	limiter       *ratelimit.MultiLimiter
	log           *logger.Logger

	mu          sync.Mutex
	initialized bool
	now         func() time.Time
}

// NewSheetsExporter creates an exporter using service account credentials
func NewSheetsExporter(ctx context.Context, cfg config.SheetsConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger) (*SheetsExporter, error) {
	var srv *sheets.Service
	var err error

	if cfg.ServiceAccountJSON != "" {
		srv, err = sheets.NewService(ctx, option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)))
	} else if cfg.CredentialsFile != "" {
		srv, err = sheets.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	} else {
		return nil, fmt.Errorf("no Google credentials provided")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	sheetName := cfg.SheetName
	if sheetName == "" {
		sheetName = "Leads"
	}

	return &SheetsExporter{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     sheetName,
		limiter:       limiter,
		log:           log.WithComponent("sheets-export"),
		now:           time.Now,
	}, nil
}

// ExportLeads appends leads not yet in the sheet and refreshes the status,
// tags and assignee of those already there. It returns how many leads were written.
func (e *SheetsExporter) ExportLeads(ctx context.Context, leads []*models.Lead) (int, error) {
	if err := e.ensureSheet(ctx); err != nil {
		return 0, err
	}

	existing, err := e.existingLeadRows(ctx)
	if err != nil {
		return 0, err
	}

	exportedAt := e.now()
	var newRows [][]interface{}
	var updates []*sheets.ValueRange
	for _, lead := range leads {
		if rowNum, ok := existing[lead.ID]; ok {
			updates = append(updates, e.refreshRanges(rowNum, lead)...)
			continue
		}
		newRows = append(newRows, leadToRow(lead, exportedAt))
	}

	written := 0
	if len(newRows) > 0 {
		if err := e.wait(ctx); err != nil {
			return 0, err
		}
		appendRange := fmt.Sprintf("%s!A:%s", e.sheetName, columnLetter(len(LeadColumns)))
		_, err := e.service.Spreadsheets.Values.Append(e.spreadsheetID, appendRange, &sheets.ValueRange{Values: newRows}).
			ValueInputOption("RAW").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).
			Do()
		if err != nil {
			return 0, fmt.Errorf("failed to append leads: %w", err)
		}
		written += len(newRows)
	}

	if len(updates) > 0 {
		if err := e.wait(ctx); err != nil {
			return written, err
		}
		req := &sheets.BatchUpdateValuesRequest{
			ValueInputOption: "RAW",
			Data:             updates,
		}
		if _, err := e.service.Spreadsheets.Values.BatchUpdate(e.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return written, fmt.Errorf("failed to refresh exported leads: %w", err)
		}
		written += len(updates) / 3
	}

	e.log.Info().
		Int("appended", len(newRows)).
		Int("refreshed", len(updates)/3).
		Msg("Leads exported to sheet")
	return written, nil
}

func (e *SheetsExporter) refreshRanges(rowNum int, lead *models.Lead) []*sheets.ValueRange {
	cell := func(col string, v interface{}) *sheets.ValueRange {
		return &sheets.ValueRange{
			Range:  fmt.Sprintf("%s!%s%d", e.sheetName, col, rowNum),
			Values: [][]interface{}{{v}},
		}
	}
	return []*sheets.ValueRange{
		cell(statusColumn, string(lead.Status)),
		cell(tagsColumn, strings.Join(lead.Tags, ", ")),
		cell(assignedColumn, lead.AssignedTo),
	}
}

func (e *SheetsExporter) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx, ratelimit.LimiterSheets); err != nil {
		return fmt.Errorf("rate limit error: %w", err)
	}
	return nil
}

// ensureSheet creates the leads sheet and its header row once per process
func (e *SheetsExporter) ensureSheet(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	if err := e.wait(ctx); err != nil {
		return err
	}
	spreadsheet, err := e.service.Spreadsheets.Get(e.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to get spreadsheet: %w", err)
	}

	sheetExists := false
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties.Title == e.sheetName {
			sheetExists = true
			break
		}
	}

	if !sheetExists {
		e.log.Info().Str("sheet", e.sheetName).Msg("Creating new sheet")
		req := &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{
				{
					AddSheet: &sheets.AddSheetRequest{
						Properties: &sheets.SheetProperties{
							Title: e.sheetName,
						},
					},
				},
			},
		}
		if _, err := e.service.Spreadsheets.BatchUpdate(e.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return fmt.Errorf("failed to create sheet: %w", err)
		}
	}

	readRange := fmt.Sprintf("%s!A1:%s1", e.sheetName, columnLetter(len(LeadColumns)))
	resp, err := e.service.Spreadsheets.Values.Get(e.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read sheet: %w", err)
	}

	if len(resp.Values) == 0 {
		headerRow := make([]interface{}, 0, len(LeadColumns))
		for _, h := range LeadColumns {
			headerRow = append(headerRow, h)
		}
		_, err = e.service.Spreadsheets.Values.Update(e.spreadsheetID, e.sheetName+"!A1", &sheets.ValueRange{
			Values: [][]interface{}{headerRow},
		}).
			ValueInputOption("RAW").
			Context(ctx).
			Do()
		if err != nil {
			return fmt.Errorf("failed to write headers: %w", err)
		}
		e.log.Info().Str("sheet", e.sheetName).Msg("Headers initialized")
	}

	e.initialized = true
	return nil
}

// existingLeadRows maps lead IDs already in the sheet to their row numbers
func (e *SheetsExporter) existingLeadRows(ctx context.Context) (map[uint]int, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := e.service.Spreadsheets.Values.Get(e.spreadsheetID, e.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read lead IDs: %w", err)
	}
	return rowIndex(resp.Values), nil
}

func rowIndex(values [][]interface{}) map[uint]int {
	ids := make(map[uint]int)
	for i, row := range values {
		if i == 0 || len(row) == 0 {
			continue // header
		}
		var id uint
		if _, err := fmt.Sscanf(fmt.Sprintf("%v", row[0]), "%d", &id); err != nil || id == 0 {
			continue
		}
		ids[id] = i + 1 // 1-indexed row number
	}
	return ids
}

func leadToRow(lead *models.Lead, exportedAt time.Time) []interface{} {
	price := ""
	if lead.Price != nil {
		price = fmt.Sprintf("%.2f", *lead.Price)
	}
	category, city := "", ""
	if lead.Category != nil {
		category = lead.Category.Name
	}
	if lead.Location != nil {
		city = lead.Location.City
	}
	postedAt := ""
	if lead.PostedAt != nil {
		postedAt = formatTime(*lead.PostedAt)
	}

	return []interface{}{
		lead.ID,
		lead.Source,
		lead.Title,
		string(lead.Status),
		lead.ContactName,
		lead.Email,
		lead.Phone,
		lead.Company,
		price,
		category,
		city,
		strings.Join(lead.Tags, ", "),
		lead.AssignedTo,
		lead.URL,
		postedAt,
		formatTime(exportedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// columnLetter converts a 1-based column index to Excel-style letter (1=A, 26=Z, 27=AA)
func columnLetter(n int) string {
	result := ""
	for n > 0 {
		n--
		result = string(rune('A'+n%26)) + result
		n /= 26
	}
	return result
}
