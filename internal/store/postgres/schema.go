package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// OriginSetting is the transaction-local setting the change log trigger reads.
const OriginSetting = "sheetsync.origin"

// Tables holds the quoted names derived from the mapped table.
type Tables struct {
	Data     string
	Identity string
	Log      string
	Review   string
	IDColumn string
	Columns  []string

	logFunc string
	trigger string
	rawID   string
	lockKey string
}

func NewTables(table, idColumn string, columns []string) Tables {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return Tables{
		Data:     pgx.Identifier{table}.Sanitize(),
		Identity: pgx.Identifier{table + "_identity"}.Sanitize(),
		Log:      pgx.Identifier{table + "_sync_log"}.Sanitize(),
		Review:   pgx.Identifier{table + "_sync_review"}.Sanitize(),
		IDColumn: pgx.Identifier{idColumn}.Sanitize(),
		Columns:  quoted,
		logFunc:  pgx.Identifier{table + "_sync_log_fn"}.Sanitize(),
		trigger:  pgx.Identifier{table + "_sync_log_trg"}.Sanitize(),
		rawID:    idColumn,
		lockKey:  "sheetsync:" + table,
	}
}

// DDL returns the idempotent schema for the mirrored table, its identity
// bindings, the change log with its trigger, and the review table.
func (t Tables) DDL() string {
	var b strings.Builder

	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n    %s BIGSERIAL PRIMARY KEY", t.Data, t.IDColumn)
	for _, c := range t.Columns {
		fmt.Fprintf(&b, ",\n    %s TEXT NOT NULL DEFAULT ''", c)
	}
	b.WriteString("\n);\n\n")

	// Positions shift by one on every external delete, which briefly
	// duplicates a position inside the confirming transaction.
	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %s (
    row_id BIGINT PRIMARY KEY,
    position INTEGER NOT NULL CHECK (position > 0),
    UNIQUE (position) DEFERRABLE INITIALLY DEFERRED
);

`, t.Identity)

	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %s (
    seq BIGSERIAL PRIMARY KEY,
    row_id BIGINT NOT NULL,
    op TEXT NOT NULL CHECK (op IN ('insert', 'update', 'delete')),
    origin TEXT NOT NULL CHECK (origin IN ('local', 'inbound')),
    payload JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

`, t.Log)

	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %s (
    seq BIGINT PRIMARY KEY,
    row_id BIGINT NOT NULL,
    op TEXT NOT NULL,
    origin TEXT NOT NULL,
    payload JSONB,
    logged_at TIMESTAMPTZ NOT NULL,
    reason TEXT NOT NULL,
    quarantined_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

`, t.Review)

	newCols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		newCols[i] = "NEW." + c
	}
	payload := "jsonb_build_array(" + strings.Join(newCols, ", ") + ")"

	fmt.Fprintf(&b, `CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger AS $$
DECLARE
    v_origin TEXT := coalesce(nullif(current_setting('%[2]s', true), ''), 'local');
BEGIN
    IF v_origin = 'outbound' THEN
        RETURN NULL;
    END IF;
    IF TG_OP = 'DELETE' THEN
        INSERT INTO %[3]s (row_id, op, origin, payload) VALUES (OLD.%[4]s, 'delete', v_origin, NULL);
    ELSIF TG_OP = 'UPDATE' THEN
        INSERT INTO %[3]s (row_id, op, origin, payload) VALUES (NEW.%[4]s, 'update', v_origin, %[5]s);
    ELSE
        INSERT INTO %[3]s (row_id, op, origin, payload) VALUES (NEW.%[4]s, 'insert', v_origin, %[5]s);
    END IF;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS %[6]s ON %[7]s;
CREATE TRIGGER %[6]s AFTER INSERT OR UPDATE OR DELETE ON %[7]s
    FOR EACH ROW EXECUTE FUNCTION %[1]s();
`, t.logFunc, OriginSetting, t.Log, t.IDColumn, payload, t.trigger, t.Data)

	return b.String()
}

func (t Tables) columnList() string {
	return strings.Join(t.Columns, ", ")
}

func placeholders(from, n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(out, ", ")
}

func (t Tables) insertRowSQL() string {
	return fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES ($1, %s)",
		t.Data, t.IDColumn, t.columnList(), placeholders(2, len(t.Columns)))
}

func (t Tables) updateRowSQL() string {
	sets := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+2)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = $1", t.Data, strings.Join(sets, ", "), t.IDColumn)
}

func (t Tables) selectRowsSQL() string {
	return fmt.Sprintf("SELECT %s, %s FROM %s ORDER BY %s", t.IDColumn, t.columnList(), t.Data, t.IDColumn)
}

// advanceSequenceSQL moves the id sequence past $1 so host-side inserts never
// reuse an id the reconciler assigned.
func (t Tables) advanceSequenceSQL() string {
	seq := fmt.Sprintf("pg_get_serial_sequence(%s, %s)", quoteLiteral(t.Data), quoteLiteral(t.rawID))
	return fmt.Sprintf("SELECT setval(%s, GREATEST($1::bigint, nextval(%s) - 1))", seq, seq)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
