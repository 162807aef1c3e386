package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"tablechat/internal/domain"
)

// fakeDynamo returns canned outputs in call order; the last entry repeats.
type fakeDynamo struct {
	getOuts    []*dynamodb.GetItemOutput
	getErrs    []error
	putErr     error
	updateOuts []*dynamodb.UpdateItemOutput
	updateErrs []error
	queryOuts  []*dynamodb.QueryOutput
	queryErr   error
	txErr      error

	getCalls    []*dynamodb.GetItemInput
	putCalls    []*dynamodb.PutItemInput
	updateCalls []*dynamodb.UpdateItemInput
	queryCalls  []*dynamodb.QueryInput
	lastTxInput *dynamodb.TransactWriteItemsInput
}

func pick[T any](vals []T, idx int) T {
	var zero T
	if len(vals) == 0 {
		return zero
	}
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	idx := len(f.getCalls)
	f.getCalls = append(f.getCalls, in)
	return pick(f.getOuts, idx), pick(f.getErrs, idx)
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putCalls = append(f.putCalls, in)
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	idx := len(f.updateCalls)
	f.updateCalls = append(f.updateCalls, in)
	return pick(f.updateOuts, idx), pick(f.updateErrs, idx)
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	idx := len(f.queryCalls)
	f.queryCalls = append(f.queryCalls, in)
	return pick(f.queryOuts, idx), f.queryErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table", "test-adjustments")
	require.NoError(t, err)
	return c
}

var t0 = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func testSession(seq int64, end time.Time, count int64) domain.Session {
	return domain.Session{
		TenantID:       "t1",
		Customer:       "5511999990000",
		Seq:            seq,
		Start:          t0,
		End:            end,
		LastActivityAt: end.Add(-domain.SessionWindow),
		MessageCount:   count,
	}
}

func ccf() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table", "adj")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ", "adj")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")

	_, err = New(&fakeDynamo{}, "table", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "adjustments")
}

func TestLatestSession_HappyPath(t *testing.T) {
	s := testSession(3, t0.Add(24*time.Hour), 4)
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{sessionItem(s)}}}}
	c := mustNewClient(t, db)

	got, ok, err := c.LatestSession(context.Background(), "t1", "5511999990000")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, s, got)

	in := db.queryCalls[0]
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *in.KeyConditionExpression)
	require.False(t, *in.ScanIndexForward)
	require.Equal(t, int32(1), *in.Limit)
	require.True(t, *in.ConsistentRead)
	require.Equal(t, "SESS#t1#5511999990000", in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value)
}

func TestLatestSession_None(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{}}}
	c := mustNewClient(t, db)
	_, ok, err := c.LatestSession(context.Background(), "t1", "5511999990000")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLatestSession_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ProvisionedThroughputExceededException")}
	c := mustNewClient(t, db)
	_, _, err := c.LatestSession(context.Background(), "t1", "5511999990000")
	require.Error(t, err)
	require.Contains(t, err.Error(), "LatestSession")
}

func TestCreateSession_Created(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	s := testSession(1, t0.Add(24*time.Hour), 1)

	res, err := c.CreateSession(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, SessionCreated, res.Status)
	require.Equal(t, s, res.Session)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.putCalls[0].ConditionExpression)
	require.Equal(t, "SEQ#0000000001", db.putCalls[0].Item["SK"].(*types.AttributeValueMemberS).Value)
}

func TestCreateSession_ConflictReReadsExisting(t *testing.T) {
	existing := testSession(2, t0.Add(25*time.Hour), 3)
	db := &fakeDynamo{
		putErr:  ccf(),
		getOuts: []*dynamodb.GetItemOutput{{Item: sessionItem(existing)}},
	}
	c := mustNewClient(t, db)

	res, err := c.CreateSession(context.Background(), testSession(2, t0.Add(24*time.Hour), 1))
	require.NoError(t, err)
	require.Equal(t, SessionAlreadyExists, res.Status)
	require.Equal(t, existing, res.Session)
	require.True(t, *db.getCalls[0].ConsistentRead)
}

func TestCreateSession_ConflictReReadFails(t *testing.T) {
	db := &fakeDynamo{putErr: ccf(), getOuts: []*dynamodb.GetItemOutput{{}}}
	c := mustNewClient(t, db)
	_, err := c.CreateSession(context.Background(), testSession(2, t0, 1))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSession_Errors(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("internal server error")}
	c := mustNewClient(t, db)
	_, err := c.CreateSession(context.Background(), testSession(1, t0, 1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "CreateSession")

	_, err = c.CreateSession(context.Background(), domain.Session{TenantID: "t1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestExtendSession_PushesEnd(t *testing.T) {
	updated := testSession(1, t0.Add(30*time.Hour), 2)
	db := &fakeDynamo{updateOuts: []*dynamodb.UpdateItemOutput{{Attributes: sessionItem(updated)}}}
	c := mustNewClient(t, db)

	got, err := c.ExtendSession(context.Background(), testSession(1, t0.Add(24*time.Hour), 1), t0.Add(6*time.Hour), t0.Add(30*time.Hour))
	require.NoError(t, err)
	require.Equal(t, updated, got)
	require.Len(t, db.updateCalls, 1)
	require.Equal(t, "attribute_exists(PK) AND sessionEnd < :end", *db.updateCalls[0].ConditionExpression)
	require.Equal(t, types.ReturnValueAllNew, db.updateCalls[0].ReturnValues)
}

func TestExtendSession_LaterEndStoredOnlyCounts(t *testing.T) {
	updated := testSession(1, t0.Add(40*time.Hour), 5)
	db := &fakeDynamo{
		updateOuts: []*dynamodb.UpdateItemOutput{nil, {Attributes: sessionItem(updated)}},
		updateErrs: []error{ccf(), nil},
	}
	c := mustNewClient(t, db)

	got, err := c.ExtendSession(context.Background(), testSession(1, t0.Add(24*time.Hour), 1), t0.Add(time.Hour), t0.Add(25*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(5), got.MessageCount)
	require.Equal(t, t0.Add(40*time.Hour), got.End)
	require.Len(t, db.updateCalls, 2)
	require.Equal(t, "ADD messageCount :one", *db.updateCalls[1].UpdateExpression)
}

func TestExtendSession_MissingRow(t *testing.T) {
	db := &fakeDynamo{updateErrs: []error{ccf(), ccf()}}
	c := mustNewClient(t, db)
	_, err := c.ExtendSession(context.Background(), testSession(1, t0, 1), t0, t0.Add(24*time.Hour))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExtendSession_UpdateError(t *testing.T) {
	db := &fakeDynamo{updateErrs: []error{errors.New("boom")}}
	c := mustNewClient(t, db)
	_, err := c.ExtendSession(context.Background(), testSession(1, t0, 1), t0, t0.Add(24*time.Hour))
	require.Error(t, err)
	require.Contains(t, err.Error(), "ExtendSession")
}

func TestIncrementUsage_HappyPath(t *testing.T) {
	db := &fakeDynamo{updateOuts: []*dynamodb.UpdateItemOutput{{Attributes: map[string]types.AttributeValue{
		"conversationCount": nAttr(7),
		"lastSessionAt":     msAttr(t0),
	}}}}
	c := mustNewClient(t, db)

	u, err := c.IncrementUsage(context.Background(), "t1", domain.PeriodOf(t0), t0)
	require.NoError(t, err)
	require.Equal(t, int64(7), u.ConversationCount)
	require.Equal(t, t0, u.LastSessionAt)

	in := db.updateCalls[0]
	require.Contains(t, *in.UpdateExpression, "ADD conversationCount :one")
	require.Equal(t, "PERIOD#2026-03", in.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "USAGE#t1", in.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestIncrementUsage_Errors(t *testing.T) {
	db := &fakeDynamo{updateErrs: []error{errors.New("boom")}}
	c := mustNewClient(t, db)
	_, err := c.IncrementUsage(context.Background(), "t1", domain.PeriodOf(t0), t0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "IncrementUsage")

	_, err = c.IncrementUsage(context.Background(), "t1", domain.Period{Month: 13, Year: 2026}, t0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestGetUsage_MissingCounterIsZero(t *testing.T) {
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{}}}
	c := mustNewClient(t, db)
	u, err := c.GetUsage(context.Background(), "t1", domain.PeriodOf(t0))
	require.NoError(t, err)
	require.Zero(t, u.ConversationCount)
}

func TestSumAdjustments_Pages(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{{"amount": nAttr(500)}, {"amount": nAttr(-100)}},
			LastEvaluatedKey: keyOf("ADJ#t1#2026-03", "x"),
		},
		{Items: []map[string]types.AttributeValue{{"amount": nAttr(50)}}},
	}}
	c := mustNewClient(t, db)

	sum, err := c.SumAdjustments(context.Background(), "t1", domain.PeriodOf(t0))
	require.NoError(t, err)
	require.Equal(t, int64(450), sum)
	require.Len(t, db.queryCalls, 2)
	require.Equal(t, "test-adjustments", *db.queryCalls[0].TableName)
	require.NotNil(t, db.queryCalls[1].ExclusiveStartKey)
}

func TestSumAdjustments_TableMissing(t *testing.T) {
	db := &fakeDynamo{queryErr: &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}}
	c := mustNewClient(t, db)
	_, err := c.SumAdjustments(context.Background(), "t1", domain.PeriodOf(t0))
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestAppendAdjustment(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	adj := domain.Adjustment{ID: "a1", TenantID: "t1", Period: domain.PeriodOf(t0), Amount: 500, Reason: domain.AdjustmentManualTopUp, CreatedAt: t0}
	require.NoError(t, c.AppendAdjustment(context.Background(), adj))
	require.Equal(t, "test-adjustments", *db.putCalls[0].TableName)
	require.Equal(t, "ADJ#t1#2026-03", db.putCalls[0].Item["PK"].(*types.AttributeValueMemberS).Value)

	db.putErr = &types.ResourceNotFoundException{Message: aws.String("missing")}
	require.ErrorIs(t, c.AppendAdjustment(context.Background(), adj), ErrTableNotFound)

	require.Error(t, c.AppendAdjustment(context.Background(), domain.Adjustment{ID: "a2"}))
}

func TestDelivery_CreateAndRead(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	rec := domain.DeliveryRecord{
		ID:      "d1",
		To:      "5511999990000",
		Body:    "Your order is ready",
		Channel: domain.ChannelFreeform,
		Status:  domain.DeliveryPending,
		Meta: domain.DeliveryMeta{
			Version: domain.DeliveryMetaVersion,
			Pending: &domain.PendingMeta{Channel: domain.ChannelFreeform, WindowOpen: true, DecidedAt: t0},
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, c.CreateDelivery(context.Background(), rec))
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.putCalls[0].ConditionExpression)

	db.getOuts = []*dynamodb.GetItemOutput{{Item: db.putCalls[0].Item}}
	got, err := c.GetDelivery(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, rec.Body, got.Body)
	require.Equal(t, domain.ChannelFreeform, got.Channel)
	require.NotNil(t, got.Meta.Pending)
	require.True(t, got.Meta.Pending.WindowOpen)
}

func TestDelivery_UpdateMissing(t *testing.T) {
	db := &fakeDynamo{updateErrs: []error{ccf()}}
	c := mustNewClient(t, db)
	err := c.UpdateDelivery(context.Background(), domain.DeliveryRecord{ID: "d1", Status: domain.DeliverySent})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetDelivery_NotFound(t *testing.T) {
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{}}}
	c := mustNewClient(t, db)
	_, err := c.GetDelivery(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func testDeferred() domain.DeferredMessage {
	return domain.DeferredMessage{
		ID:             "m1",
		Recipient:      "5511999990000",
		Body:           "Your order #12 is on its way",
		TemplateSentAt: t0,
		ExpiresAt:      t0.Add(48 * time.Hour),
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
}

func TestPendingDeferred_FiltersAndDecodes(t *testing.T) {
	m := testDeferred()
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{deferredItem(m)}}}}
	c := mustNewClient(t, db)

	got, err := c.PendingDeferred(context.Background(), m.Recipient, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []domain.DeferredMessage{m}, got)
	require.Equal(t, "delivered = :false AND expiresAt > :now", *db.queryCalls[0].FilterExpression)
	require.False(t, *db.queryCalls[0].ScanIndexForward)
}

func TestMarkDeferredDelivered(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.MarkDeferredDelivered(context.Background(), testDeferred(), t0))
	require.Contains(t, *db.updateCalls[0].ConditionExpression, "delivered = :false")

	db.updateErrs = []error{nil, ccf()}
	require.ErrorIs(t, c.MarkDeferredDelivered(context.Background(), testDeferred(), t0), ErrConditionFailed)
}

func TestCoalesceDeferred(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	rec := domain.DeliveryRecord{ID: "d2", Status: domain.DeliverySent, CreatedAt: t0}

	require.NoError(t, c.CoalesceDeferred(context.Background(), testDeferred(), rec, t0))
	require.Len(t, db.lastTxInput.TransactItems, 2)
	require.NotNil(t, db.lastTxInput.TransactItems[0].Update)
	put := db.lastTxInput.TransactItems[1].Put
	require.NotNil(t, put)
	require.Equal(t, "attribute_not_exists(PK) OR #status = :pending", aws.ToString(put.ConditionExpression))

	db.txErr = &types.TransactionCanceledException{
		Message:             aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}, {Code: aws.String("None")}},
	}
	require.ErrorIs(t, c.CoalesceDeferred(context.Background(), testDeferred(), rec, t0), ErrConditionFailed)

	db.txErr = errors.New("throttled")
	err := c.CoalesceDeferred(context.Background(), testDeferred(), rec, t0)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrConditionFailed)
}

func TestTenants(t *testing.T) {
	tenant := domain.Tenant{ID: "t1", Name: "Cantina", Plan: "growth", NotifyPhone: "5511988887777", PhoneNumberID: "pn-1"}
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.PutTenant(context.Background(), tenant))
	require.Len(t, db.lastTxInput.TransactItems, 2)

	lookup := db.lastTxInput.TransactItems[1].Put.Item
	db.getOuts = []*dynamodb.GetItemOutput{{Item: lookup}, {Item: tenantItem(tenant)}}
	got, err := c.TenantByPhoneNumberID(context.Background(), "pn-1")
	require.NoError(t, err)
	require.Equal(t, tenant, got)
}

func TestGetTenant_NotFound(t *testing.T) {
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{}}}
	c := mustNewClient(t, db)
	_, err := c.GetTenant(context.Background(), "t1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionSK(t *testing.T) {
	require.Equal(t, "SEQ#0000000042", sessionSK(42))
	require.Equal(t, "SESS#t1#551199", sessionPK("t1", "551199"))
}
