// Package sheets adapts a Google Sheets tab to the position-addressed
// external source. Position 1 is the sheet row configured as data_start_row.
package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/mehmetymw/sheetsync/internal/config"
	"github.com/mehmetymw/sheetsync/internal/types"
	"github.com/mehmetymw/sheetsync/internal/util"
)

type Source struct {
	srv       *sheets.Service
	id        string
	sheetName string
	startRow  int
	width     int
	logger    *zap.Logger

	mu       sync.Mutex
	sheetID  int64
	resolved bool
}

// New opens the Sheets client. With no extra options the client authenticates
// from the configured files: an installed-app token when token_file is set,
// otherwise a service account key.
func New(ctx context.Context, cfg config.SheetsConfig, width int, logger *zap.Logger, opts ...option.ClientOption) (*Source, error) {
	if len(opts) == 0 {
		auth, err := authOptions(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts = auth
	}
	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create sheets client")
	}
	start := cfg.DataStartRow
	if start <= 0 {
		start = 2
	}
	logger.Info("Creating Sheets source",
		zap.String("spreadsheet_id", cfg.SpreadsheetID),
		zap.String("sheet", cfg.SheetName),
		zap.Int("data_start_row", start),
		zap.Int("columns", width))
	return &Source{
		srv:       srv,
		id:        cfg.SpreadsheetID,
		sheetName: cfg.SheetName,
		startRow:  start,
		width:     width,
		logger:    logger,
		sheetID:   cfg.SheetID,
		resolved:  cfg.SheetID != 0,
	}, nil
}

func authOptions(ctx context.Context, cfg config.SheetsConfig) ([]option.ClientOption, error) {
	if cfg.TokenFile == "" {
		return []option.ClientOption{
			option.WithCredentialsFile(cfg.CredentialsFile),
			option.WithScopes(sheets.SpreadsheetsScope),
		}, nil
	}
	secret, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, errors.Wrap(err, "read client credentials")
	}
	oc, err := google.ConfigFromJSON(secret, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, errors.Wrap(err, "parse client credentials")
	}
	raw, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return nil, errors.Wrap(err, "read token file")
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, errors.Wrap(err, "parse token file")
	}
	return []option.ClientOption{option.WithHTTPClient(oc.Client(ctx, &tok))}, nil
}

func (s *Source) a1(from, to int) string {
	name := "'" + strings.ReplaceAll(s.sheetName, "'", "''") + "'"
	last := util.ColumnLetter(s.width)
	if to <= 0 {
		return fmt.Sprintf("%s!A%d:%s", name, from, last)
	}
	return fmt.Sprintf("%s!A%d:%s%d", name, from, last, to)
}

func (s *Source) sheetRow(position int) int { return s.startRow + position - 1 }

func (s *Source) FetchAll(ctx context.Context) ([]types.Record, error) {
	resp, err := s.srv.Spreadsheets.Values.Get(s.id, s.a1(s.startRow, 0)).
		ValueRenderOption("FORMATTED_VALUE").
		MajorDimension("ROWS").
		Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "get sheet values")
	}
	out := make([]types.Record, 0, len(resp.Values))
	for i, row := range resp.Values {
		rec, err := util.CanonicalRow(row, s.width)
		if err != nil {
			return nil, errors.Wrapf(err, "sheet row %d", s.sheetRow(i+1))
		}
		out = append(out, rec)
	}
	s.logger.Debug("Fetched sheet rows", zap.Int("rows", len(out)))
	return out, nil
}

func (s *Source) AppendRow(ctx context.Context, rec types.Record) (int, error) {
	vr := &sheets.ValueRange{Values: [][]interface{}{util.ToCells(rec)}}
	resp, err := s.srv.Spreadsheets.Values.Append(s.id, s.a1(s.startRow, 0), vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return 0, errors.Wrap(err, "append sheet row")
	}
	if resp.Updates == nil || resp.Updates.UpdatedRange == "" {
		return 0, errors.New("append response carries no updated range")
	}
	row, err := util.ParseA1Row(resp.Updates.UpdatedRange)
	if err != nil {
		return 0, errors.Wrap(err, "parse appended range")
	}
	pos := row - s.startRow + 1
	if pos < 1 {
		return 0, errors.Newf("row appended above the data area at %s", resp.Updates.UpdatedRange)
	}
	return pos, nil
}

func (s *Source) UpdateRow(ctx context.Context, position int, rec types.Record) error {
	row := s.sheetRow(position)
	vr := &sheets.ValueRange{Values: [][]interface{}{util.ToCells(rec)}}
	_, err := s.srv.Spreadsheets.Values.Update(s.id, s.a1(row, row), vr).
		ValueInputOption("RAW").
		Context(ctx).Do()
	return errors.Wrapf(err, "update sheet row %d", row)
}

func (s *Source) DeleteRow(ctx context.Context, position int) error {
	sheetID, err := s.resolveSheetID(ctx)
	if err != nil {
		return err
	}
	row := int64(s.sheetRow(position))
	req := &sheets.BatchUpdateSpreadsheetRequest{Requests: []*sheets.Request{{
		DeleteDimension: &sheets.DeleteDimensionRequest{Range: &sheets.DimensionRange{
			SheetId:    sheetID,
			Dimension:  "ROWS",
			StartIndex: row - 1,
			EndIndex:   row,
		}},
	}}}
	_, err = s.srv.Spreadsheets.BatchUpdate(s.id, req).Context(ctx).Do()
	return errors.Wrapf(err, "delete sheet row %d", row)
}

// resolveSheetID looks up the numeric tab id by name the first time a delete needs it.
func (s *Source) resolveSheetID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return s.sheetID, nil
	}
	ss, err := s.srv.Spreadsheets.Get(s.id).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return 0, errors.Wrap(err, "get spreadsheet metadata")
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == s.sheetName {
			s.sheetID, s.resolved = sh.Properties.SheetId, true
			s.logger.Debug("Resolved sheet id", zap.String("sheet", s.sheetName), zap.Int64("sheet_id", s.sheetID))
			return s.sheetID, nil
		}
	}
	return 0, errors.Newf("sheet %q not found in spreadsheet", s.sheetName)
}
