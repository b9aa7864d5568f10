package query_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kensa/internal/service/query"
)

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "select 1"},
		{"  SELECT\t*\n\nFROM   t  ", "select * from t"},
		{"", ""},
		{"\n\t ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, query.NormalizeQuery(tt.in), "NormalizeQuery(%q)", tt.in)
	}
}

func TestHashQuery(t *testing.T) {
	sum := sha256.Sum256([]byte("select * from t"))
	assert.Equal(t, hex.EncodeToString(sum[:]), query.HashQuery("SELECT *\n  FROM t"))
	assert.Len(t, query.HashQuery("SELECT 1"), 64)

	assert.Equal(t, query.HashQuery("select a from t"), query.HashQuery("  SELECT A\nFROM T "))
	assert.NotEqual(t, query.HashQuery("SELECT a FROM t"), query.HashQuery("SELECT b FROM t"))
}
