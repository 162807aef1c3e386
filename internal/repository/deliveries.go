package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"tablechat/internal/domain"
)

const (
	skDelivery       = "DELIVERY"
	deliveryRetained = 90 * 24 * time.Hour
)

func deliveryPK(id string) string {
	return "OUT#" + id
}

// CreateDelivery persists a new delivery record. The id must be unique.
func (c *Client) CreateDelivery(ctx context.Context, rec domain.DeliveryRecord) error {
	if rec.ID == "" {
		return errors.New("repository: CreateDelivery: id is required")
	}
	item, err := deliveryItem(rec)
	if err != nil {
		return fmt.Errorf("repository: CreateDelivery: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateDelivery: %w", err)
	}
	return nil
}

// UpdateDelivery overwrites the mutable fields of an existing record.
func (c *Client) UpdateDelivery(ctx context.Context, rec domain.DeliveryRecord) error {
	if rec.ID == "" {
		return errors.New("repository: UpdateDelivery: id is required")
	}
	meta, err := json.Marshal(rec.Meta)
	if err != nil {
		return fmt.Errorf("repository: UpdateDelivery marshal meta: %w", err)
	}
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 keyOf(deliveryPK(rec.ID), skDelivery),
		UpdateExpression:    aws.String("SET #status = :status, #channel = :channel, templateId = :template, errorMessage = :err, #meta = :meta, updatedAt = :updated"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#status":  "status",
			"#channel": "channel",
			"#meta":    "metadata",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":   sAttr(string(rec.Status)),
			":channel":  sAttr(string(rec.Channel)),
			":template": sAttr(rec.TemplateID),
			":err":      sAttr(rec.Error),
			":meta":     sAttr(string(meta)),
			":updated":  msAttr(rec.UpdatedAt),
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: UpdateDelivery: %w", err)
	}
	return nil
}

// GetDelivery reads one delivery record.
func (c *Client) GetDelivery(ctx context.Context, id string) (domain.DeliveryRecord, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyOf(deliveryPK(id), skDelivery),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("repository: GetDelivery get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.DeliveryRecord{}, ErrNotFound
	}
	rec, err := itemToDelivery(out.Item)
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("repository: GetDelivery unmarshal: %w", err)
	}
	return rec, nil
}

func deliveryItem(rec domain.DeliveryRecord) (map[string]types.AttributeValue, error) {
	meta, err := json.Marshal(rec.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	item := keyOf(deliveryPK(rec.ID), skDelivery)
	item["id"] = sAttr(rec.ID)
	item["tenantId"] = sAttr(rec.TenantID)
	item["to"] = sAttr(rec.To)
	item["from"] = sAttr(rec.From)
	item["body"] = sAttr(rec.Body)
	item["channel"] = sAttr(string(rec.Channel))
	item["templateId"] = sAttr(rec.TemplateID)
	item["status"] = sAttr(string(rec.Status))
	item["errorMessage"] = sAttr(rec.Error)
	item["metadata"] = sAttr(string(meta))
	item["createdAt"] = msAttr(rec.CreatedAt)
	item["updatedAt"] = msAttr(rec.UpdatedAt)
	item["ttl"] = ttlAttr(rec.CreatedAt.Add(deliveryRetained))
	return item, nil
}

func itemToDelivery(item map[string]types.AttributeValue) (domain.DeliveryRecord, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	created, err := optTimeAttr(item, "createdAt")
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	updated, err := optTimeAttr(item, "updatedAt")
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	var meta domain.DeliveryMeta
	if raw := optStrAttr(item, "metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return domain.DeliveryRecord{}, fmt.Errorf("repository: decode metadata: %w", err)
		}
	}
	return domain.DeliveryRecord{
		ID:         id,
		TenantID:   optStrAttr(item, "tenantId"),
		To:         optStrAttr(item, "to"),
		From:       optStrAttr(item, "from"),
		Body:       optStrAttr(item, "body"),
		Channel:    domain.Channel(optStrAttr(item, "channel")),
		TemplateID: optStrAttr(item, "templateId"),
		Status:     domain.DeliveryStatus(status),
		Error:      optStrAttr(item, "errorMessage"),
		Meta:       meta,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}, nil
}
