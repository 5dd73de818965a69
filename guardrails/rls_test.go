package guardrails

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenantTable = `
CREATE TABLE invoices (
  id uuid PRIMARY KEY,
  company_id uuid NOT NULL,
  amount integer
);
`

const fullPolicies = `
ALTER TABLE invoices ENABLE ROW LEVEL SECURITY;
CREATE POLICY "invoices_select" ON invoices
  FOR SELECT USING (company_id = current_setting('app.company_id', true));
CREATE POLICY "invoices_insert" ON invoices
  FOR INSERT WITH CHECK (company_id = current_setting('app.company_id', true));
CREATE POLICY "invoices_update" ON invoices
  FOR UPDATE USING (company_id = current_setting('app.company_id', true));
`

func TestValidateRowPolicies(t *testing.T) {
	t.Run("non-sql artifacts are ignored", func(t *testing.T) {
		result := ValidateRowPolicies(map[string]string{"main.py": "CREATE TABLE nope (company_id int);"})
		assert.True(t, result.Passed)
		assert.Zero(t, result.TablesChecked)
	})

	t.Run("tenant table with full policies passes", func(t *testing.T) {
		result := ValidateRowPolicies(map[string]string{"schema.sql": tenantTable + fullPolicies})
		assert.True(t, result.Passed)
		assert.Equal(t, 1, result.TablesChecked)
		assert.Equal(t, 1, result.TablesWithRLS)
	})

	t.Run("missing enable rls fails", func(t *testing.T) {
		result := ValidateRowPolicies(map[string]string{"schema.sql": tenantTable})
		require.False(t, result.Passed)
		assert.Contains(t, result.Findings[0], "ENABLE ROW LEVEL SECURITY")
		assert.Contains(t, result.Findings[0], "invoices")
	})

	t.Run("missing write policies are named", func(t *testing.T) {
		partial := tenantTable + `
ALTER TABLE invoices ENABLE ROW LEVEL SECURITY;
CREATE POLICY "invoices_select" ON invoices
  FOR SELECT USING (company_id = current_setting('app.company_id', true));
`
		result := ValidateRowPolicies(map[string]string{"schema.sql": partial})
		require.False(t, result.Passed)
		assert.Contains(t, result.Findings[0], "INSERT")
		assert.Contains(t, result.Findings[0], "UPDATE")
		assert.NotContains(t, result.Findings[0], "SELECT,")
	})

	t.Run("for all policy satisfies every operation", func(t *testing.T) {
		allPolicy := tenantTable + `
ALTER TABLE invoices ENABLE ROW LEVEL SECURITY;
CREATE POLICY "invoices_all" ON invoices
  FOR ALL USING (company_id = current_setting('app.company_id', true));
`
		result := ValidateRowPolicies(map[string]string{"schema.sql": allPolicy})
		assert.True(t, result.Passed)
		assert.Equal(t, 1, result.TablesWithRLS)
	})

	t.Run("master table without tenant column is exempt", func(t *testing.T) {
		master := `
CREATE TABLE tax_types (
  id serial PRIMARY KEY,
  name text
);
`
		result := ValidateRowPolicies(map[string]string{"schema.sql": master})
		assert.True(t, result.Passed)
		assert.Equal(t, 1, result.TablesExempt)
	})

	t.Run("mixed schema checks each table", func(t *testing.T) {
		mixed := tenantTable + fullPolicies + `
CREATE TABLE mst_categories (
  id serial PRIMARY KEY,
  label text
);
CREATE TABLE orders (
  id uuid PRIMARY KEY,
  company_id uuid NOT NULL
);
`
		result := ValidateRowPolicies(map[string]string{"schema.sql": mixed})
		require.False(t, result.Passed)
		assert.Equal(t, 3, result.TablesChecked)
		assert.Equal(t, 1, result.TablesWithRLS)
		assert.Equal(t, 1, result.TablesExempt)
		assert.Contains(t, result.Findings[0], "orders")
	})
}

func TestInjectRowPolicies(t *testing.T) {
	t.Run("adds missing policies", func(t *testing.T) {
		out := InjectRowPolicies(tenantTable)
		assert.Contains(t, out, "ALTER TABLE invoices ENABLE ROW LEVEL SECURITY")
		assert.Contains(t, out, `"invoices_select"`)
		assert.Contains(t, out, `"invoices_insert"`)
		assert.Contains(t, out, `"invoices_update"`)

		// The injected SQL must itself validate.
		result := ValidateRowPolicies(map[string]string{"schema.sql": out})
		assert.True(t, result.Passed, "findings: %v", result.Findings)
	})

	t.Run("leaves covered tables alone", func(t *testing.T) {
		input := tenantTable + fullPolicies
		out := InjectRowPolicies(input)
		assert.Equal(t, 1, strings.Count(out, "ENABLE ROW LEVEL SECURITY"))
	})

	t.Run("skips master tables", func(t *testing.T) {
		master := "CREATE TABLE tax_types (id serial PRIMARY KEY);"
		assert.Equal(t, master, InjectRowPolicies(master))
	})
}

func TestIsExemptTableName(t *testing.T) {
	exempt := []string{"master_accounts", "mst_categories", "payment_types", "order_statuses", "app_config"}
	for _, name := range exempt {
		assert.True(t, IsExemptTableName(name), name)
	}
	notExempt := []string{"invoices", "orders", "customers"}
	for _, name := range notExempt {
		assert.False(t, IsExemptTableName(name), name)
	}
}
