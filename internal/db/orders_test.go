package db

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abengine/internal/experiment"
)

func TestCompletedOrderCountQuery(t *testing.T) {
	gdb, mock := newMockPostgres(t)
	orders := NewOrderHistory(gdb)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "orders" WHERE user_id = $1 AND status IN ($2,$3)`)).
		WithArgs("user-1", "DELIVERED", "COMPLETED").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := orders.CompletedOrderCount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletedOrderCountError(t *testing.T) {
	gdb, mock := newMockPostgres(t)
	orders := NewOrderHistory(gdb)

	boom := errors.New("connection reset")
	mock.ExpectQuery(`SELECT count\(\*\) FROM "orders"`).WillReturnError(boom)

	_, err := orders.CompletedOrderCount(context.Background(), "user-1")
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletedOrderCountCountsFinishedOrdersOnly(t *testing.T) {
	gdb := openTestDB(t)
	rows := []Order{
		{ID: "o1", UserID: "u1", Status: "DELIVERED", CreatedAt: testEpoch},
		{ID: "o2", UserID: "u1", Status: "COMPLETED", CreatedAt: testEpoch},
		{ID: "o3", UserID: "u1", Status: "CANCELLED", CreatedAt: testEpoch},
		{ID: "o4", UserID: "u1", Status: "PENDING", CreatedAt: testEpoch},
		{ID: "o5", UserID: "u2", Status: "DELIVERED", CreatedAt: testEpoch},
	}
	require.NoError(t, gdb.Create(&rows).Error)

	orders := NewOrderHistory(gdb)
	n, err := orders.CompletedOrderCount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = orders.CompletedOrderCount(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOrderTargetingThroughService(t *testing.T) {
	svc, _, gdb, _ := newGormService(t)
	ctx := context.Background()
	require.NoError(t, gdb.Create(&[]Order{
		{ID: "o1", UserID: "loyal", Status: "DELIVERED", CreatedAt: testEpoch},
		{ID: "o2", UserID: "loyal", Status: "COMPLETED", CreatedAt: testEpoch},
	}).Error)

	minOrders := int64(2)
	req := checkoutRequest()
	req.Audience = &experiment.AudienceFilter{MinOrders: &minOrders}
	exp, err := svc.CreateExperiment(ctx, req)
	require.NoError(t, err)
	_, err = svc.StartExperiment(ctx, exp.ID)
	require.NoError(t, err)

	_, err = svc.AssignVariant(ctx, experiment.AssignRequest{ExperimentID: exp.ID, SubjectID: "loyal"})
	assert.NoError(t, err)
	_, err = svc.AssignVariant(ctx, experiment.AssignRequest{ExperimentID: exp.ID, SubjectID: "newcomer"})
	assert.ErrorIs(t, err, experiment.ErrAudienceMismatch)
}
