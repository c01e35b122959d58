package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"linebot/internal/domain"
	"linebot/internal/store"
)

const skProfile = "PROFILE"

func userPK(userID string) string {
	return "USER#" + userID
}

// GetFollower returns store.ErrNotFound on first contact.
func (c *Client) GetFollower(ctx context.Context, userID string) (domain.FollowerRecord, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(userPK(userID), skProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.FollowerRecord{}, fmt.Errorf("repository: GetFollower get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.FollowerRecord{}, store.ErrNotFound
	}
	rec, err := itemToFollower(out.Item)
	if err != nil {
		return domain.FollowerRecord{}, fmt.Errorf("repository: GetFollower decode: %w", err)
	}
	return rec, nil
}

// SaveFollower writes or replaces the follower record.
func (c *Client) SaveFollower(ctx context.Context, rec domain.FollowerRecord) error {
	if rec.UserID == "" {
		return errors.New("repository: SaveFollower: user id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      followerItem(rec),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveFollower: %w", err)
	}
	return nil
}

// UpdateFollowerStatus sets status and last interaction. A missing follower yields store.ErrNotFound.
func (c *Client) UpdateFollowerStatus(ctx context.Context, userID, status string, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      key(userPK(userID), skProfile),
		UpdateExpression:         aws.String("SET #status = :status, lastInteraction = :at"),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": str(status),
			":at":     timestamp(at),
		},
	})
	if isConditionFailed(err) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("repository: UpdateFollowerStatus: %w", err)
	}
	return nil
}

// RecordInteraction bumps the message counter atomically. A missing follower yields store.ErrNotFound.
func (c *Client) RecordInteraction(ctx context.Context, userID string, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(userPK(userID), skProfile),
		UpdateExpression:    aws.String("SET lastInteraction = :at ADD totalMessages :one"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":  timestamp(at),
			":one": num(1),
		},
	})
	if isConditionFailed(err) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("repository: RecordInteraction: %w", err)
	}
	return nil
}

func followerItem(rec domain.FollowerRecord) map[string]types.AttributeValue {
	item := key(userPK(rec.UserID), skProfile)
	item["userId"] = str(rec.UserID)
	item["displayName"] = str(rec.DisplayName)
	item["pictureUrl"] = str(rec.PictureURL)
	item["language"] = str(rec.Language)
	item["statusMessage"] = str(rec.StatusMessage)
	item["firstFollowDate"] = timestamp(rec.FirstFollowDate)
	item["lastFollowDate"] = timestamp(rec.LastFollowDate)
	item["followCount"] = num(int64(rec.FollowCount))
	item["status"] = str(rec.Status)
	item["sourceChannel"] = str(rec.SourceChannel)
	item["tags"] = str(rec.Tags)
	item["lastInteraction"] = timestamp(rec.LastInteraction)
	item["totalMessages"] = num(int64(rec.TotalMessages))
	return item
}

func itemToFollower(item map[string]types.AttributeValue) (domain.FollowerRecord, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.FollowerRecord{}, err
	}
	followCount, _ := intAttr(item, "followCount")
	totalMessages, _ := intAttr(item, "totalMessages")
	return domain.FollowerRecord{
		UserID:          userID,
		DisplayName:     optStrAttr(item, "displayName"),
		PictureURL:      optStrAttr(item, "pictureUrl"),
		Language:        optStrAttr(item, "language"),
		StatusMessage:   optStrAttr(item, "statusMessage"),
		FirstFollowDate: optTimeAttr(item, "firstFollowDate"),
		LastFollowDate:  optTimeAttr(item, "lastFollowDate"),
		FollowCount:     int(followCount),
		Status:          optStrAttr(item, "status"),
		SourceChannel:   optStrAttr(item, "sourceChannel"),
		Tags:            optStrAttr(item, "tags"),
		LastInteraction: optTimeAttr(item, "lastInteraction"),
		TotalMessages:   int(totalMessages),
	}, nil
}
