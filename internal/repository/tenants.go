package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"tablechat/internal/domain"
)

const (
	skTenantProfile = "PROFILE"
	skPhoneLookup   = "TENANT"
)

func tenantPK(id string) string {
	return "TENANT#" + id
}

func phoneNumberPK(phoneNumberID string) string {
	return "PHONEID#" + phoneNumberID
}

// GetTenant reads a tenant profile.
func (c *Client) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       keyOf(tenantPK(id), skTenantProfile),
	})
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: GetTenant get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Tenant{}, ErrNotFound
	}
	t, err := itemToTenant(out.Item)
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: GetTenant unmarshal: %w", err)
	}
	return t, nil
}

// TenantByPhoneNumberID resolves the tenant that owns a provider sender id.
func (c *Client) TenantByPhoneNumberID(ctx context.Context, phoneNumberID string) (domain.Tenant, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       keyOf(phoneNumberPK(phoneNumberID), skPhoneLookup),
	})
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: TenantByPhoneNumberID get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Tenant{}, ErrNotFound
	}
	tenantID, err := strAttr(out.Item, "tenantId")
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: TenantByPhoneNumberID unmarshal: %w", err)
	}
	return c.GetTenant(ctx, tenantID)
}

// PutTenant writes the tenant profile and its sender lookup row together.
func (c *Client) PutTenant(ctx context.Context, t domain.Tenant) error {
	if t.ID == "" {
		return errors.New("repository: PutTenant: id is required")
	}

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item:      tenantItem(t),
			},
		},
	}
	if t.PhoneNumberID != "" {
		lookup := keyOf(phoneNumberPK(t.PhoneNumberID), skPhoneLookup)
		lookup["tenantId"] = sAttr(t.ID)
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item:      lookup,
			},
		})
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("repository: PutTenant: %w", err)
	}
	return nil
}

func tenantItem(t domain.Tenant) map[string]types.AttributeValue {
	item := keyOf(tenantPK(t.ID), skTenantProfile)
	item["id"] = sAttr(t.ID)
	item["name"] = sAttr(t.Name)
	item["plan"] = sAttr(t.Plan)
	item["notifyPhone"] = sAttr(t.NotifyPhone)
	item["phoneNumberId"] = sAttr(t.PhoneNumberID)
	item["language"] = sAttr(t.Language)
	return item
}

func itemToTenant(item map[string]types.AttributeValue) (domain.Tenant, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Tenant{}, err
	}
	return domain.Tenant{
		ID:            id,
		Name:          optStrAttr(item, "name"),
		Plan:          optStrAttr(item, "plan"),
		NotifyPhone:   optStrAttr(item, "notifyPhone"),
		PhoneNumberID: optStrAttr(item, "phoneNumberId"),
		Language:      optStrAttr(item, "language"),
	}, nil
}
