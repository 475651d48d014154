package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestSourceCatalog(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	catalog, err := NewSourceCatalog(mock, "")
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sources (id, active) VALUES ($1, TRUE)")).
		WithArgs("s1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM sources WHERE id = $1 AND active)")).
		WithArgs("s1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("nope").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))

	require.NoError(t, catalog.Register(context.Background(), "s1"))

	ok, err := catalog.SourceExists(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = catalog.SourceExists(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
