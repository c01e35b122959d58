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

	"linebot/internal/domain"
	"linebot/internal/store"
)

const (
	skState = "STATE"

	// attrExpiresNs holds ExpiresAt in nanoseconds so conditional writes see
	// expiry exactly as GetState does. The ttl attribute only drives reaping.
	attrExpiresNs = "expiresAtNs"
)

// GetState returns the user's conversation state, or store.ErrNotFound when
// none exists or it has expired but not yet been reaped by DynamoDB TTL.
func (c *Client) GetState(ctx context.Context, userID string) (domain.ConversationState, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(store.StateKey(userID), skState),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetState get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationState{}, store.ErrNotFound
	}
	st, err := itemToState(out.Item)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetState decode: %w", err)
	}
	if st.Expired(c.now()) {
		return domain.ConversationState{}, store.ErrNotFound
	}
	return st, nil
}

// SetState writes state guarded by a version check. An expired item counts as absent.
func (c *Client) SetState(ctx context.Context, state domain.ConversationState, expectedVersion int64) (domain.ConversationState, error) {
	if state.UserID == "" {
		return domain.ConversationState{}, errors.New("repository: SetState: user id is required")
	}
	now := c.now()
	state.Version = expectedVersion + 1
	state.UpdatedAt = now
	state.ExpiresAt = now.Add(c.stateTTL)

	item, err := stateItem(state)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: SetState: %w", err)
	}

	in := &dynamodb.PutItemInput{
		TableName:                aws.String(c.tableName),
		Item:                     item,
		ExpressionAttributeNames: map[string]string{"#exp": attrExpiresNs},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": num(now.UnixNano()),
		},
	}
	if expectedVersion == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK) OR #exp <= :now")
	} else {
		in.ConditionExpression = aws.String("#ver = :ver AND #exp > :now")
		in.ExpressionAttributeNames["#ver"] = "version"
		in.ExpressionAttributeValues[":ver"] = num(expectedVersion)
	}

	if _, err := c.api.PutItem(ctx, in); err != nil {
		if isConditionFailed(err) {
			return domain.ConversationState{}, store.ErrConflict
		}
		return domain.ConversationState{}, fmt.Errorf("repository: SetState: %w", err)
	}
	return state, nil
}

// ClearState deletes the user's conversation state if its version is still
// expectedVersion. A missing or expired state counts as already cleared.
func (c *Client) ClearState(ctx context.Context, userID string, expectedVersion int64) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(store.StateKey(userID), skState),
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #ver = :ver OR #exp <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#ver": "version",
			"#exp": attrExpiresNs,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ver": num(expectedVersion),
			":now": num(c.now().UnixNano()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("repository: ClearState: %w", err)
	}
	return nil
}

func stateItem(st domain.ConversationState) (map[string]types.AttributeValue, error) {
	data, err := json.Marshal(st.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	item := key(store.StateKey(st.UserID), skState)
	item["userId"] = str(st.UserID)
	item["step"] = str(string(st.Step))
	item["data"] = str(string(data))
	item["updatedAt"] = timestamp(st.UpdatedAt)
	item["expiresAt"] = timestamp(st.ExpiresAt)
	item["version"] = num(st.Version)
	item[attrExpiresNs] = num(st.ExpiresAt.UnixNano())
	item[attrTTL] = num(ttlSeconds(st.ExpiresAt))
	return item, nil
}

func itemToState(item map[string]types.AttributeValue) (domain.ConversationState, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.ConversationState{}, err
	}
	step, err := strAttr(item, "step")
	if err != nil {
		return domain.ConversationState{}, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return domain.ConversationState{}, err
	}
	var data map[string]any
	if raw := optStrAttr(item, "data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return domain.ConversationState{}, fmt.Errorf("repository: unmarshal state data: %w", err)
		}
	}
	return domain.ConversationState{
		UserID:    userID,
		Step:      domain.Step(step),
		Data:      data,
		UpdatedAt: optTimeAttr(item, "updatedAt"),
		ExpiresAt: optTimeAttr(item, "expiresAt"),
		Version:   version,
	}, nil
}

// ttlSeconds rounds up so DynamoDB never reaps an item before it expires.
func ttlSeconds(t time.Time) int64 {
	sec := t.Unix()
	if t.Nanosecond() > 0 {
		sec++
	}
	return sec
}
