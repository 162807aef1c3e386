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

const (
	skPrefixDeferred = "ENTRY#"
	// Expired entries stay readable for a week before DynamoDB TTL removes them.
	deferredGrace = 7 * 24 * time.Hour
)

func deferredPK(recipient string) string {
	return "DEFER#" + recipient
}

func deferredSK(m domain.DeferredMessage) string {
	return fmt.Sprintf("%s%013d#%s", skPrefixDeferred, m.CreatedAt.UnixMilli(), m.ID)
}

// PutDeferred stores a new deferred message.
func (c *Client) PutDeferred(ctx context.Context, m domain.DeferredMessage) error {
	if m.ID == "" || m.Recipient == "" {
		return errors.New("repository: PutDeferred: id and recipient are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                deferredItem(m),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: PutDeferred: %w", err)
	}
	return nil
}

// PendingDeferred returns the recipient's undelivered, unexpired entries,
// newest first.
func (c *Client) PendingDeferred(ctx context.Context, recipient string, now time.Time) ([]domain.DeferredMessage, error) {
	var (
		msgs      []domain.DeferredMessage
		startKey  map[string]types.AttributeValue
		firstPage = true
	)
	for firstPage || len(startKey) > 0 {
		firstPage = false
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			FilterExpression:       aws.String("delivered = :false AND expiresAt > :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     sAttr(deferredPK(recipient)),
				":prefix": sAttr(skPrefixDeferred),
				":false":  bAttr(false),
				":now":    msAttr(now),
			},
			ScanIndexForward:  aws.Bool(false),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: PendingDeferred query: %w", err)
		}
		if out == nil {
			break
		}
		for _, item := range out.Items {
			m, err := itemToDeferred(item)
			if err != nil {
				return nil, fmt.Errorf("repository: PendingDeferred unmarshal: %w", err)
			}
			msgs = append(msgs, m)
		}
		startKey = out.LastEvaluatedKey
	}
	return msgs, nil
}

// MarkDeferredDelivered flips an entry from pending to delivered. It fails
// with ErrConditionFailed when the entry was already consumed or has expired,
// so each entry is handed out at most once.
func (c *Client) MarkDeferredDelivered(ctx context.Context, m domain.DeferredMessage, now time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 keyOf(deferredPK(m.Recipient), deferredSK(m)),
		UpdateExpression:    aws.String("SET delivered = :true, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(PK) AND delivered = :false AND expiresAt > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  bAttr(true),
			":false": bAttr(false),
			":now":   msAttr(now),
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("repository: MarkDeferredDelivered: %w", err)
	}
	return nil
}

// CoalesceDeferred replaces the body of a pending entry and records the
// delivery that was folded into it, in one transaction. The delivery record
// may be new or still pending. ErrConditionFailed means the entry was
// consumed or expired in the meantime.
func (c *Client) CoalesceDeferred(ctx context.Context, m domain.DeferredMessage, rec domain.DeliveryRecord, now time.Time) error {
	recItem, err := deliveryItem(rec)
	if err != nil {
		return fmt.Errorf("repository: CoalesceDeferred: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 keyOf(deferredPK(m.Recipient), deferredSK(m)),
					UpdateExpression:    aws.String("SET #body = :body, deliveryId = :delivery, expiresAt = :expires, updatedAt = :now, #ttl = :ttl"),
					ConditionExpression: aws.String("attribute_exists(PK) AND delivered = :false AND expiresAt > :now"),
					ExpressionAttributeNames: map[string]string{
						"#body": "body",
						"#ttl":  "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":body":     sAttr(m.Body),
						":delivery": sAttr(m.DeliveryID),
						":expires":  msAttr(m.ExpiresAt),
						":now":      msAttr(now),
						":ttl":      ttlAttr(m.ExpiresAt.Add(deferredGrace)),
						":false":    bAttr(false),
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                recItem,
					ConditionExpression: aws.String("attribute_not_exists(PK) OR #status = :pending"),
					ExpressionAttributeNames: map[string]string{
						"#status": "status",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":pending": sAttr(string(domain.DeliveryPending)),
					},
				},
			},
		},
	})
	if err != nil {
		if isTransactionConditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("repository: CoalesceDeferred: %w", err)
	}
	return nil
}

func deferredItem(m domain.DeferredMessage) map[string]types.AttributeValue {
	item := keyOf(deferredPK(m.Recipient), deferredSK(m))
	item["id"] = sAttr(m.ID)
	item["recipient"] = sAttr(m.Recipient)
	item["tenantId"] = sAttr(m.TenantID)
	item["from"] = sAttr(m.From)
	item["body"] = sAttr(m.Body)
	item["deliveryId"] = sAttr(m.DeliveryID)
	item["templateSentAt"] = msAttr(m.TemplateSentAt)
	item["expiresAt"] = msAttr(m.ExpiresAt)
	item["delivered"] = bAttr(m.Delivered)
	item["createdAt"] = msAttr(m.CreatedAt)
	item["updatedAt"] = msAttr(m.UpdatedAt)
	item["ttl"] = ttlAttr(m.ExpiresAt.Add(deferredGrace))
	return item
}

func itemToDeferred(item map[string]types.AttributeValue) (domain.DeferredMessage, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.DeferredMessage{}, err
	}
	recipient, err := strAttr(item, "recipient")
	if err != nil {
		return domain.DeferredMessage{}, err
	}
	body, err := strAttr(item, "body")
	if err != nil {
		return domain.DeferredMessage{}, err
	}
	sentAt, err := timeAttr(item, "templateSentAt")
	if err != nil {
		return domain.DeferredMessage{}, err
	}
	expires, err := timeAttr(item, "expiresAt")
	if err != nil {
		return domain.DeferredMessage{}, err
	}
	delivered, err := boolAttr(item, "delivered")
	if err != nil {
		return domain.DeferredMessage{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.DeferredMessage{}, err
	}
	updated, err := optTimeAttr(item, "updatedAt")
	if err != nil {
		return domain.DeferredMessage{}, err
	}
	return domain.DeferredMessage{
		ID:             id,
		Recipient:      recipient,
		TenantID:       optStrAttr(item, "tenantId"),
		From:           optStrAttr(item, "from"),
		Body:           body,
		DeliveryID:     optStrAttr(item, "deliveryId"),
		TemplateSentAt: sentAt,
		ExpiresAt:      expires,
		Delivered:      delivered,
		CreatedAt:      created,
		UpdatedAt:      updated,
	}, nil
}
