package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"linebot/internal/domain"
	"linebot/internal/store"
)

const (
	pkQueue       = "QUEUE"
	skPrefixQueue = "EVT#"
)

// Enqueue stores entry under its own sort key, so concurrent producers never
// overwrite each other.
func (c *Client) Enqueue(ctx context.Context, entry domain.QueueEntry) error {
	if entry.ID == "" {
		return errors.New("repository: Enqueue: entry id is required")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("repository: Enqueue marshal: %w", err)
	}
	item := key(pkQueue, store.QueueSortKey(entry.EnqueuedAt, entry.ID))
	item["payload"] = str(string(payload))
	item[attrTTL] = num(c.now().Add(c.queueTTL).Unix())

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: Enqueue: %w", err)
	}
	return nil
}

// DrainAll lists queued entries oldest first and claims each one by deleting
// it conditionally. Entries another drainer claimed first are skipped. Entries
// that were claimed but cannot be decoded are reported in the joined error
// alongside the decoded ones; callers should process what was returned.
func (c *Client) DrainAll(ctx context.Context) ([]domain.QueueEntry, error) {
	nowUnix := c.now().Unix()
	var out []domain.QueueEntry
	var decodeErrs []error
	var startKey map[string]types.AttributeValue
	for {
		res, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     str(pkQueue),
				":prefix": str(skPrefixQueue),
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return out, errors.Join(append(decodeErrs, fmt.Errorf("repository: DrainAll query: %w", err))...)
		}
		for _, item := range res.Items {
			entry, ok, err := c.claim(ctx, item, nowUnix)
			var decodeErr *decodeError
			if errors.As(err, &decodeErr) {
				decodeErrs = append(decodeErrs, err)
				continue
			}
			if err != nil {
				return out, errors.Join(append(decodeErrs, err)...)
			}
			if ok {
				out = append(out, entry)
			}
		}
		if len(res.LastEvaluatedKey) == 0 {
			return out, errors.Join(decodeErrs...)
		}
		startKey = res.LastEvaluatedKey
	}
}

func (c *Client) claim(ctx context.Context, item map[string]types.AttributeValue, nowUnix int64) (domain.QueueEntry, bool, error) {
	sk, err := strAttr(item, attrSK)
	if err != nil {
		return domain.QueueEntry{}, false, fmt.Errorf("repository: DrainAll: %w", err)
	}
	_, err = c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(pkQueue, sk),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if isConditionFailed(err) {
		return domain.QueueEntry{}, false, nil
	}
	if err != nil {
		return domain.QueueEntry{}, false, fmt.Errorf("repository: DrainAll claim %s: %w", sk, err)
	}
	// TTL deletion is lazy; an expired entry is dropped, not processed.
	if exp, err := intAttr(item, attrTTL); err == nil && exp <= nowUnix {
		return domain.QueueEntry{}, false, nil
	}
	payload, err := strAttr(item, "payload")
	if err != nil {
		return domain.QueueEntry{}, false, &decodeError{sk: sk, err: err}
	}
	var entry domain.QueueEntry
	if err := json.NewDecoder(strings.NewReader(payload)).Decode(&entry); err != nil {
		return domain.QueueEntry{}, false, &decodeError{sk: sk, err: err}
	}
	return entry, true, nil
}

type decodeError struct {
	sk  string
	err error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("repository: DrainAll decode %s: %v", e.sk, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }
