// Package dynamo implements the ledger on a single DynamoDB table.
//
// Every entity shares the table and is addressed by a pk/sk pair:
//
//	POSITION#<ticket> / POSITION
//	ORDER#<ticket_id> / ORDER
//	CONFIG            / KILL_SWITCH
//	AUDIT#<yyyy-mm-dd> / <created_at>#<uuid>
//
// OPEN positions also carry gsi1_pk=OPEN_POSITIONS and gsi1_sk=<symbol>#<opened_at>,
// which places them on the sparse open_positions index. Closing a position
// removes both attributes.
package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/alanyoungcy/orderbridge/internal/platform/awsconf"
)

// OpenPositionsIndexName is the GSI holding OPEN positions only.
const OpenPositionsIndexName = "open_positions"

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// ClientConfig holds the parameters needed to reach DynamoDB.
type ClientConfig struct {
	AWS   awsconf.Options
	Table string
}

// Client wraps the SDK client together with the table name.
type Client struct {
	db    *dynamodb.Client
	table string
}

// New creates a DynamoDB client. An endpoint override targets local
// emulators such as DynamoDB Local.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamo: table name is required")
	}
	awsCfg, err := awsconf.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, fmt.Errorf("dynamo: %w", err)
	}
	db := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if ep := cfg.AWS.EndpointURL(); ep != nil {
			o.BaseEndpoint = ep
		}
	})
	return &Client{db: db, table: cfg.Table}, nil
}

// Underlying exposes the SDK client.
func (c *Client) Underlying() *dynamodb.Client {
	return c.db
}

// Table returns the configured table name.
func (c *Client) Table() string {
	return c.table
}

// EnsureTable creates the ledger table and its open-positions index when
// they do not exist yet, then waits for the table to become active.
func (c *Client) EnsureTable(ctx context.Context) error {
	_, err := c.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.table)})
	if err == nil {
		return nil
	}
	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return fmt.Errorf("dynamo: describe table %s: %w", c.table, err)
	}

	s := types.ScalarAttributeTypeS
	_, err = c.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(c.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrPK), AttributeType: s},
			{AttributeName: aws.String(attrSK), AttributeType: s},
			{AttributeName: aws.String(attrGSI1PK), AttributeType: s},
			{AttributeName: aws.String(attrGSI1SK), AttributeType: s},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrSK), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(OpenPositionsIndexName),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(attrGSI1PK), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(attrGSI1SK), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
	})
	if err != nil {
		return fmt.Errorf("dynamo: create table %s: %w", c.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(c.db)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.table)}, tableWaitTimeout); err != nil {
		return fmt.Errorf("dynamo: wait for table %s: %w", c.table, err)
	}
	return nil
}
