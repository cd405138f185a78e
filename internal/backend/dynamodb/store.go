// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package dynamodb implements a state store backed by an Amazon DynamoDB
// table.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/opentofu/statestore/internal/backend/awsutil"
	"github.com/opentofu/statestore/internal/statestore"
	"github.com/opentofu/statestore/internal/tracing"
	"github.com/opentofu/statestore/internal/tracing/traceattrs"
)

// Attribute names of the table. The hash and range keys hold the
// normalized namespace and key, while the original identifiers are kept
// alongside them.
const (
	attrPartitionKey = "PartitionKey"
	attrRowKey       = "RowKey"
	attrNamespace    = "Namespace"
	attrKey          = "Key"
	attrETag         = "ETag"
	attrValue        = "Value"
)

// maxTransactItems is the service limit on the number of actions in one
// TransactWriteItems call.
const maxTransactItems = 100

const tableCreateTimeout = 5 * time.Minute

// dynamoDBAPI is the subset of the DynamoDB client the store calls.
type dynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

var _ dynamoDBAPI = (*dynamodb.Client)(nil)

// Entry is the entry type of [Store].
type Entry struct {
	statestore.Entry
}

// Store is a [statestore.Store] over a DynamoDB table with the namespace
// as its hash key and the record key as its range key.
//
// Each batch of a Save is written with one TransactWriteItems call, so a
// batch either commits in full or not at all.
type Store struct {
	client    dynamoDBAPI
	table     string
	batchSize int
}

var _ statestore.Store[*Entry] = (*Store)(nil)

func newStore(client dynamoDBAPI, table string, batchSize int) *Store {
	if batchSize <= 0 || batchSize > maxTransactItems {
		batchSize = maxTransactItems
	}
	return &Store{
		client:    client,
		table:     table,
		batchSize: batchSize,
	}
}

func (s *Store) Backend() string {
	return "dynamodb"
}

func (s *Store) CreateNew(namespace, key string) *Entry {
	return &Entry{Entry: statestore.NewEntry(namespace, key)}
}

// EnsureReady creates the table if it doesn't exist and waits for it to
// become active.
func (s *Store) EnsureReady(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err == nil {
		return nil
	}
	var notFound *dtypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return s.wrap("prepare", err)
	}

	log.Printf("[INFO] dynamodb: creating table %q", s.table)
	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []dtypes.AttributeDefinition{
			{AttributeName: aws.String(attrPartitionKey), AttributeType: dtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrRowKey), AttributeType: dtypes.ScalarAttributeTypeS},
		},
		KeySchema: []dtypes.KeySchemaElement{
			{AttributeName: aws.String(attrPartitionKey), KeyType: dtypes.KeyTypeHash},
			{AttributeName: aws.String(attrRowKey), KeyType: dtypes.KeyTypeRange},
		},
		BillingMode: dtypes.BillingModePayPerRequest,
	})
	var inUse *dtypes.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return s.wrap("prepare", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, tableCreateTimeout)
	if err != nil {
		return s.wrap("prepare", err)
	}
	return nil
}

func (s *Store) itemKey(namespace, key string) map[string]dtypes.AttributeValue {
	return map[string]dtypes.AttributeValue{
		attrPartitionKey: &dtypes.AttributeValueMemberS{Value: statestore.TableKeys.Normalize(namespace)},
		attrRowKey:       &dtypes.AttributeValueMemberS{Value: statestore.TableKeys.Normalize(key)},
	}
}

func (s *Store) LoadNamespace(ctx context.Context, namespace string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return nil, err
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPartitionKey,
		},
		ExpressionAttributeValues: map[string]dtypes.AttributeValue{
			":pk": &dtypes.AttributeValueMemberS{Value: statestore.TableKeys.Normalize(namespace)},
		},
		ConsistentRead: aws.Bool(true),
	})

	var ret []*Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.wrap("list", err)
		}
		for _, item := range page.Items {
			e, err := entryFromItem(item)
			if err != nil {
				return nil, s.wrap("list", err)
			}
			// Distinct namespaces can only share a partition through a
			// hash collision, but the original identifier settles it.
			if e.Namespace() != namespace {
				continue
			}
			ret = append(ret, e)
		}
	}
	statestore.SortByKey(ret)
	return ret, nil
}

func (s *Store) Load(ctx context.Context, namespace, key string) (*Entry, bool, error) {
	if err := statestore.ValidateIdentifiers(namespace, key); err != nil {
		return nil, false, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(namespace, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, s.wrap("load", err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}
	e, err := entryFromItem(out.Item)
	if err != nil {
		return nil, false, s.wrap("load", err)
	}
	if e.Namespace() != namespace || e.Key() != key {
		return nil, false, nil
	}
	return e, true, nil
}

func (s *Store) LoadKeys(ctx context.Context, namespace string, keys []string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return nil, err
	}
	return statestore.LoadEach(ctx, keys, 0, func(ctx context.Context, key string) (*Entry, bool, error) {
		return s.Load(ctx, namespace, key)
	})
}

func (s *Store) Save(ctx context.Context, entries ...*Entry) error {
	groups, err := statestore.GroupByNamespace(entries)
	if err != nil {
		return err
	}
	for _, group := range groups {
		for _, batch := range statestore.Batches(group.Entries, s.batchSize) {
			if err := s.saveBatch(ctx, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) saveBatch(ctx context.Context, batch []*Entry) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "Write DynamoDB items",
		tracing.SpanAttributes(
			traceattrs.DBSystemName("aws.dynamodb"),
			traceattrs.DBCollectionName(s.table),
			traceattrs.DBOperationBatchSize(len(batch)),
		),
	)
	defer func() {
		tracing.SetSpanError(span, err)
		span.End()
	}()

	items := make([]dtypes.TransactWriteItem, len(batch))
	etags := make([]statestore.ETag, len(batch))
	for i, e := range batch {
		item, etag, err := s.writeItem(e)
		if err != nil {
			return err
		}
		items[i] = item
		etags[i] = etag
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return s.saveError(batch, err)
	}

	for i, e := range batch {
		e.SetETag(etags[i])
	}
	return nil
}

// writeItem returns the transaction action for one entry and the etag the
// record has once the action commits.
func (s *Store) writeItem(e *Entry) (dtypes.TransactWriteItem, statestore.ETag, error) {
	key := s.itemKey(e.Namespace(), e.Key())
	expected := e.ETag()

	condition := aws.String("attribute_not_exists(#pk)")
	names := map[string]string{"#pk": attrPartitionKey}
	var values map[string]dtypes.AttributeValue
	if expected != statestore.NoETag {
		condition = aws.String("#etag = :etag")
		names = map[string]string{"#etag": attrETag}
		values = map[string]dtypes.AttributeValue{
			":etag": &dtypes.AttributeValueMemberS{Value: string(expected)},
		}
	}

	if e.IsAbsent() {
		if expected == statestore.NoETag {
			// Nothing to remove, but an existing record must still fail
			// the save.
			return dtypes.TransactWriteItem{
				ConditionCheck: &dtypes.ConditionCheck{
					TableName:                           aws.String(s.table),
					Key:                                 key,
					ConditionExpression:                 condition,
					ExpressionAttributeNames:            names,
					ReturnValuesOnConditionCheckFailure: dtypes.ReturnValuesOnConditionCheckFailureAllOld,
				},
			}, statestore.NoETag, nil
		}
		return dtypes.TransactWriteItem{
			Delete: &dtypes.Delete{
				TableName:                           aws.String(s.table),
				Key:                                 key,
				ConditionExpression:                 condition,
				ExpressionAttributeNames:            names,
				ExpressionAttributeValues:           values,
				ReturnValuesOnConditionCheckFailure: dtypes.ReturnValuesOnConditionCheckFailureAllOld,
			},
		}, statestore.NoETag, nil
	}

	raw, err := e.Encode()
	if err != nil {
		return dtypes.TransactWriteItem{}, statestore.NoETag, err
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return dtypes.TransactWriteItem{}, statestore.NoETag, s.wrap("save", err)
	}
	etag := statestore.ETag(id)

	item := key
	item[attrNamespace] = &dtypes.AttributeValueMemberS{Value: e.Namespace()}
	item[attrKey] = &dtypes.AttributeValueMemberS{Value: e.Key()}
	item[attrETag] = &dtypes.AttributeValueMemberS{Value: string(etag)}
	item[attrValue] = &dtypes.AttributeValueMemberS{Value: string(raw)}

	return dtypes.TransactWriteItem{
		Put: &dtypes.Put{
			TableName:                           aws.String(s.table),
			Item:                                item,
			ConditionExpression:                 condition,
			ExpressionAttributeNames:            names,
			ExpressionAttributeValues:           values,
			ReturnValuesOnConditionCheckFailure: dtypes.ReturnValuesOnConditionCheckFailureAllOld,
		},
	}, etag, nil
}

// saveError translates a failed transaction. The cancellation reasons are
// reported in the order of the transaction's actions.
func (s *Store) saveError(batch []*Entry, err error) error {
	var canceled *dtypes.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return s.wrap("save", err)
	}
	unavailable := false
	for i, reason := range canceled.CancellationReasons {
		switch aws.ToString(reason.Code) {
		case "ConditionalCheckFailed":
			if i >= len(batch) {
				continue
			}
			current := statestore.NoETag
			if v, ok := reason.Item[attrETag].(*dtypes.AttributeValueMemberS); ok {
				current = statestore.ETag(v.Value)
			}
			return statestore.WriteConflict(batch[i], current)
		case "TransactionConflict":
			// Another transaction was writing the same item.
			if i < len(batch) {
				return statestore.WriteConflict(batch[i], statestore.NoETag)
			}
		case "ThrottlingError", "ProvisionedThroughputExceeded", "RequestLimitExceeded":
			unavailable = true
		}
	}
	return statestore.WrapBackendError(s.Backend(), "save", err, unavailable)
}

// DeleteNamespace deletes the records of a namespace one at a time. A
// failure part-way through leaves the remaining records in place.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	entries, err := s.LoadNamespace(ctx, namespace)
	if err != nil {
		return err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key()
	}
	return s.Delete(ctx, namespace, keys...)
}

func (s *Store) Delete(ctx context.Context, namespace string, keys ...string) error {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return err
	}
	keys = statestore.UniqueKeys(keys)
	return statestore.ForEach(ctx, len(keys), 0, func(ctx context.Context, i int) error {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key:       s.itemKey(namespace, keys[i]),
		})
		if err != nil {
			return s.wrap("delete", err)
		}
		return nil
	})
}

func (s *Store) wrap(op string, err error) error {
	return statestore.WrapBackendError(s.Backend(), op, err, awsutil.IsUnavailable(err))
}

func entryFromItem(item map[string]dtypes.AttributeValue) (*Entry, error) {
	str := func(name string) (string, error) {
		v, ok := item[name].(*dtypes.AttributeValueMemberS)
		if !ok {
			return "", fmt.Errorf("item has no string attribute %q", name)
		}
		return v.Value, nil
	}
	namespace, err := str(attrNamespace)
	if err != nil {
		return nil, err
	}
	key, err := str(attrKey)
	if err != nil {
		return nil, err
	}
	etag, err := str(attrETag)
	if err != nil {
		return nil, err
	}
	value, err := str(attrValue)
	if err != nil {
		return nil, err
	}
	if namespace == "" || key == "" {
		return nil, fmt.Errorf("item has an empty identifier")
	}
	return &Entry{Entry: statestore.LoadedEntry(namespace, key, statestore.ETag(etag), []byte(value))}, nil
}
