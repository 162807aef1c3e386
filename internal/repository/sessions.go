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

const skPrefixSession = "SEQ#"

// CreateSessionStatus tags the outcome of an optimistic session insert.
type CreateSessionStatus int

const (
	// SessionCreated means this caller inserted the row.
	SessionCreated CreateSessionStatus = iota + 1
	// SessionAlreadyExists means a concurrent caller inserted the same row
	// first; Session holds that row as re-read after the conflict.
	SessionAlreadyExists
)

// CreateSessionResult is the tagged result of CreateSession.
type CreateSessionResult struct {
	Status  CreateSessionStatus
	Session domain.Session
}

func sessionPK(tenantID, customer string) string {
	return "SESS#" + tenantID + "#" + customer
}

func sessionSK(seq int64) string {
	return fmt.Sprintf("%s%010d", skPrefixSession, seq)
}

// LatestSession returns the most recent session row for a (tenant, customer)
// pair. The boolean is false when the customer has never had a session.
func (c *Client) LatestSession(ctx context.Context, tenantID, customer string) (domain.Session, bool, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr(sessionPK(tenantID, customer)),
			":prefix": sAttr(skPrefixSession),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("repository: LatestSession query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return domain.Session{}, false, nil
	}
	s, err := itemToSession(out.Items[0])
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("repository: LatestSession unmarshal: %w", err)
	}
	return s, true, nil
}

// GetSession reads one session row with a strongly consistent read.
func (c *Client) GetSession(ctx context.Context, tenantID, customer string, seq int64) (domain.Session, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyOf(sessionPK(tenantID, customer), sessionSK(seq)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Session{}, ErrNotFound
	}
	s, err := itemToSession(out.Item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession unmarshal: %w", err)
	}
	return s, nil
}

// CreateSession inserts s if no row with the same sequence exists. A
// concurrent insert of the same sequence is reported as SessionAlreadyExists
// together with the winning row, never as an error.
func (c *Client) CreateSession(ctx context.Context, s domain.Session) (CreateSessionResult, error) {
	if s.TenantID == "" || s.Customer == "" || s.Seq <= 0 {
		return CreateSessionResult{}, errors.New("repository: CreateSession: tenant, customer and seq are required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                sessionItem(s),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err == nil {
		return CreateSessionResult{Status: SessionCreated, Session: s}, nil
	}
	if !isConditionalCheckFailed(err) {
		return CreateSessionResult{}, fmt.Errorf("repository: CreateSession: %w", err)
	}

	existing, err := c.GetSession(ctx, s.TenantID, s.Customer, s.Seq)
	if err != nil {
		return CreateSessionResult{}, fmt.Errorf("repository: CreateSession re-read: %w", err)
	}
	return CreateSessionResult{Status: SessionAlreadyExists, Session: existing}, nil
}

// ExtendSession records one more message in an existing session. The end of
// the window moves to proposedEnd only if that is later than the stored end,
// evaluated at write time, so the end never decreases under concurrent
// extensions. The message count is incremented in every case.
func (c *Client) ExtendSession(ctx context.Context, s domain.Session, at, proposedEnd time.Time) (domain.Session, error) {
	key := keyOf(sessionPK(s.TenantID, s.Customer), sessionSK(s.Seq))

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key,
		UpdateExpression:    aws.String("SET sessionEnd = :end, lastActivityAt = :at ADD messageCount :one"),
		ConditionExpression: aws.String("attribute_exists(PK) AND sessionEnd < :end"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":end": msAttr(proposedEnd),
			":at":  msAttr(at),
			":one": nAttr(1),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil && !isConditionalCheckFailed(err) {
		return domain.Session{}, fmt.Errorf("repository: ExtendSession: %w", err)
	}
	if err != nil {
		// A later end is already stored; only count the message.
		out, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(c.tableName),
			Key:                 key,
			UpdateExpression:    aws.String("ADD messageCount :one"),
			ConditionExpression: aws.String("attribute_exists(PK)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one": nAttr(1),
			},
			ReturnValues: types.ReturnValueAllNew,
		})
		if err != nil {
			if isConditionalCheckFailed(err) {
				return domain.Session{}, ErrNotFound
			}
			return domain.Session{}, fmt.Errorf("repository: ExtendSession count: %w", err)
		}
	}

	if out == nil || len(out.Attributes) == 0 {
		return domain.Session{}, errors.New("repository: ExtendSession: empty update result")
	}
	updated, err := itemToSession(out.Attributes)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: ExtendSession unmarshal: %w", err)
	}
	return updated, nil
}

func sessionItem(s domain.Session) map[string]types.AttributeValue {
	item := keyOf(sessionPK(s.TenantID, s.Customer), sessionSK(s.Seq))
	item["tenantId"] = sAttr(s.TenantID)
	item["customer"] = sAttr(s.Customer)
	item["seq"] = nAttr(s.Seq)
	item["sessionStart"] = msAttr(s.Start)
	item["sessionEnd"] = msAttr(s.End)
	item["lastActivityAt"] = msAttr(s.LastActivityAt)
	item["messageCount"] = nAttr(s.MessageCount)
	return item
}

func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	tenantID, err := strAttr(item, "tenantId")
	if err != nil {
		return domain.Session{}, err
	}
	customer, err := strAttr(item, "customer")
	if err != nil {
		return domain.Session{}, err
	}
	seq, err := int64Attr(item, "seq")
	if err != nil {
		return domain.Session{}, err
	}
	start, err := timeAttr(item, "sessionStart")
	if err != nil {
		return domain.Session{}, err
	}
	end, err := timeAttr(item, "sessionEnd")
	if err != nil {
		return domain.Session{}, err
	}
	last, err := optTimeAttr(item, "lastActivityAt")
	if err != nil {
		return domain.Session{}, err
	}
	count, err := int64Attr(item, "messageCount")
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{
		TenantID:       tenantID,
		Customer:       customer,
		Seq:            seq,
		Start:          start,
		End:            end,
		LastActivityAt: last,
		MessageCount:   count,
	}, nil
}
