package source

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftmile/featureserve/internal/binder"
	"github.com/swiftmile/featureserve/internal/model"
)

func TestPostgresExecute(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	stmt := "SELECT density_per_sq_km FROM outcode_density_snapshot WHERE outcode = $1"
	mock.ExpectQuery(regexp.QuoteMeta(stmt)).
		WithArgs("EC1").
		WillReturnRows(pgxmock.NewRows([]string{"density_per_sq_km"}).AddRow(5100.0))

	client := NewPostgresWithPool("operational_store", mock, nil)
	assert.Equal(t, binder.StyleDollar, client.PlaceholderStyle())

	res, err := client.Execute(context.Background(), model.BoundQuery{
		SourceID:  "operational_store",
		Feature:   "avg_population_density",
		Statement: stmt,
		Args:      []any{"EC1"},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 5100.0, res.Rows[0]["density_per_sq_km"])
	assert.Equal(t, "operational_store", res.SourceID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExecute_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT").WillReturnError(errors.New(`relation "nope" does not exist`))

	client := NewPostgresWithPool("operational_store", mock, nil)
	_, err = client.Execute(context.Background(), model.BoundQuery{Statement: "SELECT 1"})
	require.Error(t, err)

	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, KindQuery, execErr.Kind)
}

func TestPostgresExecute_EmptyResult(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT").WillReturnRows(pgxmock.NewRows([]string{"density_per_sq_km"}))

	client := NewPostgresWithPool("operational_store", mock, nil)
	res, err := client.Execute(context.Background(), model.BoundQuery{Statement: "SELECT 1"})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}
