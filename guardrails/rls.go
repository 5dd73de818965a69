package guardrails

import (
	"fmt"
	"regexp"
	"strings"
)

// RLSResult reports row-level-security validation over generated SQL.
type RLSResult struct {
	Passed        bool
	Findings      []string
	TablesChecked int
	TablesWithRLS int
	TablesExempt  int
}

// Master-data table name patterns that are allowed to omit the tenant
// column and therefore skip RLS.
var exemptTablePattern = regexp.MustCompile(`(?i)(master_|mst_|_masters?$|_types?$|_categories$|_statuses$|_config$)`)

var (
	createTableRE = regexp.MustCompile(`(?is)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(\w+)\s*\((.*?)\);`)
	tenantColRE   = regexp.MustCompile(`(?i)\bcompany_id\b`)
)

// ValidateRowPolicies checks every CREATE TABLE in the .sql artifacts:
// tables carrying the tenant column must enable row level security and
// define read and write policies. A FOR ALL policy satisfies all three
// operation policies at once. Tables without the tenant column are treated
// as master data and exempt.
func ValidateRowPolicies(artifacts map[string]string) RLSResult {
	result := RLSResult{Passed: true}

	for _, filePath := range sortedKeys(artifacts) {
		if !strings.HasSuffix(filePath, ".sql") {
			continue
		}
		content := artifacts[filePath]

		for _, m := range createTableRE.FindAllStringSubmatch(content, -1) {
			tableName, tableSQL := m[1], m[2]
			result.TablesChecked++

			if !tenantColRE.MatchString(tableSQL) {
				result.TablesExempt++
				continue
			}

			if !hasRLSEnabled(content, tableName) {
				result.Passed = false
				result.Findings = append(result.Findings,
					fmt.Sprintf("[%s] table `%s` is missing ENABLE ROW LEVEL SECURITY", filePath, tableName))
				continue
			}

			if hasPolicy(content, tableName, "ALL") {
				result.TablesWithRLS++
				continue
			}

			var missing []string
			for _, op := range []string{"SELECT", "INSERT", "UPDATE"} {
				if !hasPolicy(content, tableName, op) {
					missing = append(missing, op)
				}
			}
			if len(missing) > 0 {
				result.Passed = false
				result.Findings = append(result.Findings,
					fmt.Sprintf("[%s] table `%s` is missing %s policies", filePath, tableName, strings.Join(missing, ", ")))
			} else {
				result.TablesWithRLS++
			}
		}
	}

	return result
}

// InjectRowPolicies appends an enable-RLS block plus select/insert/update
// policies for every tenant-scoped table that lacks them.
func InjectRowPolicies(sqlContent string) string {
	var additions []string

	for _, m := range createTableRE.FindAllStringSubmatch(sqlContent, -1) {
		tableName, tableSQL := m[1], m[2]
		if !tenantColRE.MatchString(tableSQL) {
			continue
		}
		if hasRLSEnabled(sqlContent, tableName) {
			continue
		}
		additions = append(additions, fmt.Sprintf(`
-- RLS (auto-injected: %[1]s)
ALTER TABLE %[1]s ENABLE ROW LEVEL SECURITY;

CREATE POLICY "%[1]s_select" ON %[1]s
  FOR SELECT USING (company_id = current_setting('app.company_id', true));

CREATE POLICY "%[1]s_insert" ON %[1]s
  FOR INSERT WITH CHECK (company_id = current_setting('app.company_id', true));

CREATE POLICY "%[1]s_update" ON %[1]s
  FOR UPDATE USING (company_id = current_setting('app.company_id', true));
`, tableName))
	}

	if len(additions) > 0 {
		sqlContent = strings.TrimRight(sqlContent, " \t\n") + "\n" + strings.Join(additions, "\n")
	}
	return sqlContent
}

// IsExemptTableName reports whether a table name matches the master-data
// naming conventions.
func IsExemptTableName(name string) bool {
	return exemptTablePattern.MatchString(name)
}

func hasRLSEnabled(fullSQL, tableName string) bool {
	pattern := fmt.Sprintf(`(?i)ALTER\s+TABLE\s+%s\s+ENABLE\s+ROW\s+LEVEL\s+SECURITY`, regexp.QuoteMeta(tableName))
	return regexp.MustCompile(pattern).MatchString(fullSQL)
}

func hasPolicy(fullSQL, tableName, operation string) bool {
	pattern := fmt.Sprintf(`(?is)CREATE\s+POLICY\s+\S+\s+ON\s+%s\s+.*?FOR\s+%s`, regexp.QuoteMeta(tableName), operation)
	return regexp.MustCompile(pattern).MatchString(fullSQL)
}
