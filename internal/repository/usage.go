package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"tablechat/internal/domain"
)

func usagePK(tenantID string) string {
	return "USAGE#" + tenantID
}

func usageSK(p domain.Period) string {
	return "PERIOD#" + p.Key()
}

func adjustmentPK(tenantID string, p domain.Period) string {
	return "ADJ#" + tenantID + "#" + p.Key()
}

func adjustmentSK(a domain.Adjustment) string {
	return fmt.Sprintf("%013d#%s", a.CreatedAt.UnixMilli(), a.ID)
}

// IncrementUsage adds one conversation to the tenant's counter for the
// period, creating the counter on first use.
func (c *Client) IncrementUsage(ctx context.Context, tenantID string, p domain.Period, at time.Time) (domain.MonthlyUsage, error) {
	if tenantID == "" || !p.Valid() {
		return domain.MonthlyUsage{}, errors.New("repository: IncrementUsage: tenant and valid period are required")
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              keyOf(usagePK(tenantID), usageSK(p)),
		UpdateExpression: aws.String("ADD conversationCount :one SET lastSessionAt = :at, tenantId = :tid, periodMonth = :m, periodYear = :y"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": nAttr(1),
			":at":  msAttr(at),
			":tid": sAttr(tenantID),
			":m":   nAttr(int64(p.Month)),
			":y":   nAttr(int64(p.Year)),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return domain.MonthlyUsage{}, fmt.Errorf("repository: IncrementUsage: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return domain.MonthlyUsage{}, errors.New("repository: IncrementUsage: empty update result")
	}
	u, err := itemToUsage(tenantID, p, out.Attributes)
	if err != nil {
		return domain.MonthlyUsage{}, fmt.Errorf("repository: IncrementUsage unmarshal: %w", err)
	}
	return u, nil
}

// GetUsage returns the tenant's counter for the period; a missing counter is
// reported as zero usage.
func (c *Client) GetUsage(ctx context.Context, tenantID string, p domain.Period) (domain.MonthlyUsage, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyOf(usagePK(tenantID), usageSK(p)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.MonthlyUsage{}, fmt.Errorf("repository: GetUsage get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.MonthlyUsage{TenantID: tenantID, Period: p}, nil
	}
	u, err := itemToUsage(tenantID, p, out.Item)
	if err != nil {
		return domain.MonthlyUsage{}, fmt.Errorf("repository: GetUsage unmarshal: %w", err)
	}
	return u, nil
}

// AppendAdjustment writes a new ledger entry. Entries are never updated.
func (c *Client) AppendAdjustment(ctx context.Context, a domain.Adjustment) error {
	if a.ID == "" || a.TenantID == "" || !a.Period.Valid() {
		return errors.New("repository: AppendAdjustment: id, tenant and valid period are required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.adjustmentsTable),
		Item: map[string]types.AttributeValue{
			"PK":          sAttr(adjustmentPK(a.TenantID, a.Period)),
			"SK":          sAttr(adjustmentSK(a)),
			"id":          sAttr(a.ID),
			"tenantId":    sAttr(a.TenantID),
			"periodMonth": nAttr(int64(a.Period.Month)),
			"periodYear":  nAttr(int64(a.Period.Year)),
			"amount":      nAttr(a.Amount),
			"reason":      sAttr(string(a.Reason)),
			"createdAt":   msAttr(a.CreatedAt),
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isResourceNotFound(err) {
			return fmt.Errorf("repository: AppendAdjustment: %w", ErrTableNotFound)
		}
		return fmt.Errorf("repository: AppendAdjustment: %w", err)
	}
	return nil
}

// SumAdjustments totals every adjustment recorded for the tenant and period.
// A missing adjustments table is reported as ErrTableNotFound.
func (c *Client) SumAdjustments(ctx context.Context, tenantID string, p domain.Period) (int64, error) {
	var (
		total     int64
		startKey  map[string]types.AttributeValue
		firstPage = true
	)
	for firstPage || len(startKey) > 0 {
		firstPage = false
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.adjustmentsTable),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": sAttr(adjustmentPK(tenantID, p)),
			},
			ProjectionExpression: aws.String("amount"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			if isResourceNotFound(err) {
				return 0, fmt.Errorf("repository: SumAdjustments: %w", ErrTableNotFound)
			}
			return 0, fmt.Errorf("repository: SumAdjustments query: %w", err)
		}
		if out == nil {
			break
		}
		for _, item := range out.Items {
			amount, err := int64Attr(item, "amount")
			if err != nil {
				return 0, fmt.Errorf("repository: SumAdjustments decode: %w", err)
			}
			total += amount
		}
		startKey = out.LastEvaluatedKey
	}
	return total, nil
}

func itemToUsage(tenantID string, p domain.Period, item map[string]types.AttributeValue) (domain.MonthlyUsage, error) {
	count, err := int64Attr(item, "conversationCount")
	if err != nil {
		return domain.MonthlyUsage{}, err
	}
	last, err := optTimeAttr(item, "lastSessionAt")
	if err != nil {
		return domain.MonthlyUsage{}, err
	}
	return domain.MonthlyUsage{
		TenantID:          tenantID,
		Period:            p,
		ConversationCount: count,
		LastSessionAt:     last,
	}, nil
}
