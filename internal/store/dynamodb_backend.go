// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const (
	attrPK   = "pk"
	attrKind = "kind"
	attrBody = "body"

	kindLink   = "link"
	kindObject = "object"
)

// DynamoDBAPI is the part of *dynamodb.Client used by DynamoDBBackend.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBBackend stores links and objects in a single DynamoDB table keyed
// by a string partition key "pk". Values are encoded with the configured
// codec into the binary "body" attribute.
type DynamoDBBackend struct {
	client DynamoDBAPI
	table  string
	codec  Codec
}

// NewDynamoDBBackend creates a backend over an existing table.
func NewDynamoDBBackend(client DynamoDBAPI, table string, codec Codec) *DynamoDBBackend {
	return &DynamoDBBackend{client: client, table: table, codec: codec}
}

// NewDynamoDBClient loads the default AWS configuration for region and,
// when assumeRoleARN is set, assumes that role through STS.
func NewDynamoDBClient(ctx context.Context, region, assumeRoleARN string) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	if assumeRoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		awsCfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, assumeRoleARN))
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

func (b *DynamoDBBackend) GetLink(ctx context.Context, key LinkKey) (*SyncLink, error) {
	var link SyncLink
	if err := b.get(ctx, linkKey(key), &link); err != nil {
		return nil, err
	}
	return &link, nil
}

func (b *DynamoDBBackend) CreateLink(ctx context.Context, link *SyncLink) error {
	item, err := b.item(linkKey(link.Key()), kindLink, link)
	if err != nil {
		return err
	}
	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(b.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(" + attrPK + ")"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrExists
		}
		return fmt.Errorf("creating sync link: %w", err)
	}
	return nil
}

func (b *DynamoDBBackend) PutLink(ctx context.Context, link *SyncLink) error {
	return b.put(ctx, linkKey(link.Key()), kindLink, link)
}

func (b *DynamoDBBackend) DeleteLink(ctx context.Context, key LinkKey) error {
	return b.delete(ctx, linkKey(key))
}

func (b *DynamoDBBackend) ListLinks(ctx context.Context, source, schema string) ([]*SyncLink, error) {
	paginator := dynamodb.NewScanPaginator(b.client, &dynamodb.ScanInput{
		TableName:        aws.String(b.table),
		FilterExpression: aws.String("begins_with(#pk, :prefix)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: linkPrefix(source, schema)},
		},
	})

	var links []*SyncLink
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scanning sync links: %w", err)
		}
		for _, item := range page.Items {
			var link SyncLink
			if err := decodeItem(item, &link); err != nil {
				return nil, err
			}
			links = append(links, &link)
		}
	}
	return links, nil
}

func (b *DynamoDBBackend) GetObject(ctx context.Context, id string) (*Object, error) {
	var obj Object
	if err := b.get(ctx, objectKey(id), &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (b *DynamoDBBackend) PutObject(ctx context.Context, obj *Object) error {
	return b.put(ctx, objectKey(obj.ID), kindObject, obj)
}

func (b *DynamoDBBackend) DeleteObject(ctx context.Context, id string) error {
	return b.delete(ctx, objectKey(id))
}

// Flush is a no-op: DynamoDB writes are durable once acknowledged.
func (b *DynamoDBBackend) Flush(context.Context) error {
	return nil
}

func (b *DynamoDBBackend) get(ctx context.Context, pk string, v any) error {
	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.table),
		Key:            map[string]types.AttributeValue{attrPK: &types.AttributeValueMemberS{Value: pk}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("reading %s: %w", pk, err)
	}
	if len(out.Item) == 0 {
		return ErrNotFound
	}
	return decodeItem(out.Item, v)
}

func (b *DynamoDBBackend) put(ctx context.Context, pk, kind string, v any) error {
	item, err := b.item(pk, kind, v)
	if err != nil {
		return err
	}
	if _, err := b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("writing %s: %w", pk, err)
	}
	return nil
}

func (b *DynamoDBBackend) delete(ctx context.Context, pk string) error {
	if _, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.table),
		Key:       map[string]types.AttributeValue{attrPK: &types.AttributeValueMemberS{Value: pk}},
	}); err != nil {
		return fmt.Errorf("deleting %s: %w", pk, err)
	}
	return nil
}

func (b *DynamoDBBackend) item(pk, kind string, v any) (map[string]types.AttributeValue, error) {
	body, err := b.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", pk, err)
	}
	return map[string]types.AttributeValue{
		attrPK:   &types.AttributeValueMemberS{Value: pk},
		attrKind: &types.AttributeValueMemberS{Value: kind},
		attrBody: &types.AttributeValueMemberB{Value: body},
	}, nil
}

func decodeItem(item map[string]types.AttributeValue, v any) error {
	body, ok := item[attrBody].(*types.AttributeValueMemberB)
	if !ok {
		return fmt.Errorf("item has no %q attribute", attrBody)
	}
	return unmarshal(body.Value, v)
}
