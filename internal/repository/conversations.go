package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"

	"linebot/internal/domain"
)

const skPrefixLog = "LOG#"

// logSK orders a user's conversation log chronologically.
func logSK(ts time.Time) string {
	return skPrefixLog + ts.UTC().Format(time.RFC3339Nano) + "#" + newID()
}

// SaveConversation appends one exchange to the user's conversation log.
func (c *Client) SaveConversation(ctx context.Context, entry domain.ConversationLog) error {
	if entry.UserID == "" {
		return errors.New("repository: SaveConversation: user id is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.now()
	}
	item := key(userPK(entry.UserID), logSK(entry.Timestamp))
	item["userId"] = str(entry.UserID)
	item["timestamp"] = timestamp(entry.Timestamp)
	item["userMessage"] = str(entry.UserMessage)
	item["response"] = str(entry.Response)
	item["intent"] = str(entry.Intent)
	item[attrTTL] = num(c.now().Add(logTTL).Unix())

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveConversation: %w", err)
	}
	return nil
}

var newID = func() string {
	return uuid.NewString()
}
