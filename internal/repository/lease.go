package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"linebot/internal/store"
)

const skLease = "LEASE"

// Acquire takes the named lease unless a different holder owns an unexpired one.
func (c *Client) Acquire(ctx context.Context, name, holder string, ttl time.Duration) error {
	now := c.now()
	item := key(store.LeaseKey(name), skLease)
	item["holder"] = str(holder)
	item["acquiredAt"] = timestamp(now)
	item[attrTTL] = num(now.Add(ttl).Unix())

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(c.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR #ttl <= :now OR holder = :holder"),
		ExpressionAttributeNames: map[string]string{"#ttl": attrTTL},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":    num(now.Unix()),
			":holder": str(holder),
		},
	})
	if isConditionFailed(err) {
		return store.ErrLeaseHeld
	}
	if err != nil {
		return fmt.Errorf("repository: Acquire %s: %w", name, err)
	}
	return nil
}

// Release drops the lease if holder still owns it. An empty holder releases unconditionally.
func (c *Client) Release(ctx context.Context, name, holder string) error {
	in := &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(store.LeaseKey(name), skLease),
	}
	if holder != "" {
		in.ConditionExpression = aws.String("holder = :holder")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":holder": str(holder)}
	}
	_, err := c.api.DeleteItem(ctx, in)
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("repository: Release %s: %w", name, err)
	}
	return nil
}

var _ store.Backend = (*Client)(nil)
