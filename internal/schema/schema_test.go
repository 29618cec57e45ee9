package schema_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"econstats/internal/schema"
	"econstats/internal/storage"
	"econstats/internal/testutil"
)

// failingRepo renders one statement per table and fails Exec for one table.
type failingRepo struct {
	storage.MultiRepository
	failTable string
	executed  []string
}

func (f *failingRepo) Kind() string { return "fake" }

func (f *failingRepo) CreateTableStatements(t storage.TableSpec) ([]string, error) {
	return []string{"CREATE " + t.Name}, nil
}

func (f *failingRepo) Exec(ctx context.Context, stmt string, args ...any) error {
	f.executed = append(f.executed, stmt)
	if stmt == "CREATE "+f.failTable {
		return errors.New("permission denied")
	}
	return nil
}

func TestTables_OrderAndConstraints(t *testing.T) {
	t.Parallel()

	tables := schema.Tables()
	var names []string
	for _, tbl := range tables {
		if err := tbl.Validate(); err != nil {
			t.Fatalf("%s: %v", tbl.Name, err)
		}
		names = append(names, tbl.Name)
	}
	want := "dim_geography,dim_product,dim_industry,dim_date,fact_cpi,fact_retail_sales"
	if strings.Join(names, ",") != want {
		t.Fatalf("tables = %v", names)
	}

	fact := tables[5]
	var unique []string
	for _, c := range fact.Constraints {
		if c.Kind == "unique" {
			unique = c.Columns
		}
	}
	if strings.Join(unique, ",") != "date_id,geo_id,industry_id" {
		t.Fatalf("fact_retail_sales unique = %v", unique)
	}
}

func TestApply_ContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	repo := &failingRepo{failTable: schema.DimProduct}
	err := schema.NewManager(repo).Apply(context.Background())
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if !strings.Contains(err.Error(), "dim_product") {
		t.Fatalf("error does not name failing table: %v", err)
	}
	if len(repo.executed) != 6 {
		t.Fatalf("expected all 6 statements attempted, got %d: %v", len(repo.executed), repo.executed)
	}
}

func TestApply_IdempotentOnSQLite(t *testing.T) {
	t.Parallel()

	repo := testutil.OpenSQLite(t)
	m := schema.NewManager(repo)
	ctx := context.Background()

	if err := m.Apply(ctx); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := m.Apply(ctx); err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	rows, err := repo.Query(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND (name LIKE 'dim_%' OR name LIKE 'fact_%') ORDER BY name`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer rows.Close()
	var got []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			t.Fatal(err)
		}
		got = append(got, n)
	}
	if len(got) != 6 {
		t.Fatalf("tables = %v", got)
	}
}

func TestApply_QuarterCheckRejectsInconsistentRow(t *testing.T) {
	t.Parallel()

	repo := testutil.OpenSQLite(t)
	if err := schema.NewManager(repo).Apply(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := repo.Exec(context.Background(),
		`INSERT INTO dim_date (full_date, year, month, quarter) VALUES ('2024-05-01', 2024, 5, 3)`)
	if err == nil {
		t.Fatalf("expected CHECK violation for quarter 3 in May")
	}
}

func TestStatements_RenderEveryTable(t *testing.T) {
	t.Parallel()

	repo := testutil.OpenSQLite(t)
	stmts, err := schema.NewManager(repo).Statements()
	if err != nil {
		t.Fatal(err)
	}
	if len(stmts) != 6 {
		t.Fatalf("expected 6 statements, got %d", len(stmts))
	}
	for _, s := range stmts {
		if strings.Contains(s, ";") && !strings.HasSuffix(s, ";") {
			t.Fatalf("statement embeds a separator: %s", s)
		}
	}
}
