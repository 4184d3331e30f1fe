package crawlerkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScreenReadOnly(t *testing.T) {
	tests := []struct {
		sql     string
		allowed bool
	}{
		{"SELECT * FROM articles", true},
		{"  select id from articles where site = 'ptt';  ", true},
		{"/* report */ SELECT count(*) FROM articles", true},
		{"(SELECT 1) UNION (SELECT 2)", true},
		{"SHOW TABLES", true},
		{"DESCRIBE articles", true},
		{"desc articles", true},
		{"EXPLAIN SELECT * FROM articles", true},
		{"WITH recent AS (SELECT * FROM articles) SELECT * FROM recent", true},

		{"", false},
		{"   ", false},
		{"INSERT INTO articles (url) VALUES ('x')", false},
		{"UPDATE articles SET title = 'x'", false},
		{"DELETE FROM articles", false},
		{"DROP TABLE articles", false},
		{"TRUNCATE articles", false},
		{"CREATE TABLE x (a int)", false},
		{"SELECT 1; DELETE FROM articles", false},
		{"WITH gone AS (DELETE FROM articles RETURNING *) SELECT * FROM gone", false},
		{"EXPLAIN ANALYZE UPDATE articles SET title = 'x'", false},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			err := screenReadOnly(tt.sql)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestFirstWord(t *testing.T) {
	assert.Equal(t, "select", firstWord("select 1"))
	assert.Equal(t, "SELECT", firstWord("((SELECT 1))"))
	assert.Equal(t, "with", firstWord("with\tx as (select 1)"))
	assert.Equal(t, "show", firstWord("show"))
}
