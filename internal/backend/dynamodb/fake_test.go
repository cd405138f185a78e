// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dynamodb

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamoDB is an in-memory table that understands the condition
// expressions the store writes.
type fakeDynamoDB struct {
	mu       sync.Mutex
	created  bool
	pageSize int
	items    map[string]map[string]map[string]dtypes.AttributeValue

	transactions int
	failNext     error
}

var _ dynamoDBAPI = (*fakeDynamoDB)(nil)

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{
		created:  true,
		pageSize: 25,
		items:    map[string]map[string]map[string]dtypes.AttributeValue{},
	}
}

func stringAttr(item map[string]dtypes.AttributeValue, name string) string {
	if v, ok := item[name].(*dtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamoDB) lookup(key map[string]dtypes.AttributeValue) map[string]dtypes.AttributeValue {
	return f.items[stringAttr(key, attrPartitionKey)][stringAttr(key, attrRowKey)]
}

// holds reports whether the condition is met by the item, which is nil if
// the item doesn't exist.
func holds(item map[string]dtypes.AttributeValue, condition *string, values map[string]dtypes.AttributeValue) bool {
	switch expr := aws.ToString(condition); expr {
	case "":
		return true
	case "attribute_not_exists(#pk)":
		return item == nil
	case "#etag = :etag":
		return item != nil && stringAttr(item, attrETag) == stringAttr(values, ":etag")
	default:
		panic(fmt.Sprintf("unsupported condition %q", expr))
	}
}

func (f *fakeDynamoDB) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.created {
		return nil, &dtypes.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &dynamodb.GetItemOutput{Item: maps.Clone(f.lookup(params.Key))}, nil
}

func (f *fakeDynamoDB) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.created {
		return nil, &dtypes.ResourceNotFoundException{Message: aws.String("no table")}
	}
	partition := f.items[stringAttr(params.ExpressionAttributeValues, ":pk")]
	rows := slices.Sorted(maps.Keys(partition))
	start := 0
	if params.ExclusiveStartKey != nil {
		after := stringAttr(params.ExclusiveStartKey, attrRowKey)
		start, _ = slices.BinarySearch(rows, after)
		if start < len(rows) && rows[start] == after {
			start++
		}
	}
	end := min(start+f.pageSize, len(rows))
	out := &dynamodb.QueryOutput{}
	for _, row := range rows[start:end] {
		out.Items = append(out.Items, maps.Clone(partition[row]))
	}
	if end < len(rows) {
		last := partition[rows[end-1]]
		out.LastEvaluatedKey = map[string]dtypes.AttributeValue{
			attrPartitionKey: last[attrPartitionKey],
			attrRowKey:       last[attrRowKey],
		}
	}
	return out, nil
}

func (f *fakeDynamoDB) TransactWriteItems(_ context.Context, params *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions++
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	if len(params.TransactItems) > maxTransactItems {
		return nil, fmt.Errorf("transaction has %d items", len(params.TransactItems))
	}

	reasons := make([]dtypes.CancellationReason, len(params.TransactItems))
	failed := false
	for i, action := range params.TransactItems {
		var key map[string]dtypes.AttributeValue
		var condition *string
		var values map[string]dtypes.AttributeValue
		switch {
		case action.Put != nil:
			key, condition, values = action.Put.Item, action.Put.ConditionExpression, action.Put.ExpressionAttributeValues
		case action.Delete != nil:
			key, condition, values = action.Delete.Key, action.Delete.ConditionExpression, action.Delete.ExpressionAttributeValues
		case action.ConditionCheck != nil:
			key, condition, values = action.ConditionCheck.Key, action.ConditionCheck.ConditionExpression, action.ConditionCheck.ExpressionAttributeValues
		}
		current := f.lookup(key)
		if holds(current, condition, values) {
			reasons[i] = dtypes.CancellationReason{Code: aws.String("None")}
			continue
		}
		failed = true
		reasons[i] = dtypes.CancellationReason{
			Code: aws.String("ConditionalCheckFailed"),
			Item: maps.Clone(current),
		}
	}
	if failed {
		return nil, &dtypes.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, action := range params.TransactItems {
		switch {
		case action.Put != nil:
			pk, rk := stringAttr(action.Put.Item, attrPartitionKey), stringAttr(action.Put.Item, attrRowKey)
			if f.items[pk] == nil {
				f.items[pk] = map[string]map[string]dtypes.AttributeValue{}
			}
			f.items[pk][rk] = maps.Clone(action.Put.Item)
		case action.Delete != nil:
			f.deleteLocked(action.Delete.Key)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamoDB) deleteLocked(key map[string]dtypes.AttributeValue) {
	pk := stringAttr(key, attrPartitionKey)
	delete(f.items[pk], stringAttr(key, attrRowKey))
	if len(f.items[pk]) == 0 {
		delete(f.items, pk)
	}
}

func (f *fakeDynamoDB) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteLocked(params.Key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoDB) DescribeTable(_ context.Context, params *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.created {
		return nil, &dtypes.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &dynamodb.DescribeTableOutput{
		Table: &dtypes.TableDescription{
			TableName:   params.TableName,
			TableStatus: dtypes.TableStatusActive,
		},
	}, nil
}

func (f *fakeDynamoDB) CreateTable(_ context.Context, params *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created {
		return nil, &dtypes.ResourceInUseException{Message: aws.String("table exists")}
	}
	f.created = true
	return &dynamodb.CreateTableOutput{
		TableDescription: &dtypes.TableDescription{
			TableName:   params.TableName,
			TableStatus: dtypes.TableStatusCreating,
		},
	}, nil
}
