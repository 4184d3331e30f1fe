package crawlerkit

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// writeKeyword catches data-modifying statements hidden behind WITH or
// EXPLAIN, which Preview cannot see through.
var writeKeyword = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|truncate|drop|alter|create)\b`)

// screenReadOnly accepts a single SELECT, SHOW, EXPLAIN, DESCRIBE or WITH
// statement and rejects everything else.
func screenReadOnly(sqlText string) error {
	stmt := strings.TrimSpace(sqlparser.StripLeadingComments(sqlText))
	if stmt == "" {
		return fmt.Errorf("empty statement")
	}

	pieces, err := sqlparser.SplitStatementToPieces(stmt)
	if err != nil {
		return fmt.Errorf("unparseable statement: %w", err)
	}
	var statements []string
	for _, p := range pieces {
		if strings.TrimSpace(p) != "" {
			statements = append(statements, strings.TrimSpace(p))
		}
	}
	if len(statements) != 1 {
		return fmt.Errorf("expected exactly one statement, found %d", len(statements))
	}
	stmt = statements[0]

	switch sqlparser.Preview(stmt) {
	case sqlparser.StmtSelect, sqlparser.StmtShow:
		return nil
	case sqlparser.StmtOther, sqlparser.StmtUnknown:
		switch strings.ToLower(firstWord(stmt)) {
		case "describe", "desc":
			return nil
		case "explain", "with":
			if writeKeyword.MatchString(stmt) {
				return fmt.Errorf("statement modifies data")
			}
			return nil
		}
	}
	return fmt.Errorf("only read statements are allowed, got %q", firstWord(stmt))
}

func firstWord(s string) string {
	s = strings.TrimLeft(s, "( \t\r\n")
	if i := strings.IndexAny(s, " \t\r\n("); i >= 0 {
		return s[:i]
	}
	return s
}
