package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"linebot/internal/domain"
)

const skPrefixReport = "RPT#"

// reportPK partitions reports by branch and month so month-to-date is one query.
func reportPK(branch, monthKey string) string {
	return "REPORT#" + strings.ToUpper(strings.TrimSpace(branch)) + "#" + monthKey
}

// SaveReport persists a report. The report id makes the write idempotent.
func (c *Client) SaveReport(ctx context.Context, r domain.Report) error {
	if r.ID == "" || r.Branch == "" || r.MonthKey == "" {
		return errors.New("repository: SaveReport: id, branch and month key are required")
	}
	if r.Type == "" {
		r.Type = domain.ReportDeposit
	}
	item := key(reportPK(r.Branch, r.MonthKey), skPrefixReport+r.ID)
	item["reportId"] = str(r.ID)
	item["branch"] = str(r.Branch)
	item["amount"] = numf(r.Amount)
	item["type"] = str(r.Type)
	item["mediaRef"] = str(r.MediaRef)
	item["userId"] = str(r.UserID)
	item["createdAt"] = timestamp(r.CreatedAt)
	item["monthKey"] = str(r.MonthKey)

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if isConditionFailed(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: SaveReport: %w", err)
	}
	return nil
}

// MonthToDate sums deposits minus withdrawals for branch in monthKey.
func (c *Client) MonthToDate(ctx context.Context, branch, monthKey string) (float64, error) {
	var total float64
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     str(reportPK(branch, monthKey)),
				":prefix": str(skPrefixReport),
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return 0, fmt.Errorf("repository: MonthToDate query: %w", err)
		}
		for _, item := range out.Items {
			amount, err := floatAttr(item, "amount")
			if err != nil {
				return 0, fmt.Errorf("repository: MonthToDate decode: %w", err)
			}
			r := domain.Report{Amount: amount, Type: optStrAttr(item, "type")}
			total += r.Signed()
		}
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		startKey = out.LastEvaluatedKey
	}
}
