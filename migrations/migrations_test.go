package migrations

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	stmts []string
}

func (r *recorder) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.stmts = append(r.stmts, sql)
	return pgconn.CommandTag{}, nil
}

func TestApply_Order(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_catalog.sql", "002_coupon_usages.sql"}, names)

	r := &recorder{}
	require.NoError(t, Apply(context.Background(), r))
	require.Len(t, r.stmts, 2)
	assert.True(t, strings.Contains(r.stmts[1], "UNIQUE (coupon_id, user_id)"))
}
