package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/kiranshivaraju/jobrelay/internal/config"
	"github.com/kiranshivaraju/jobrelay/pkg/models"
)

const (
	JobIDIndex         = "job_id-index"
	StatusCreatedIndex = "status-created_at-index"

	// jobIDGuardPrefix keys the item that reserves a job_id. Guard items
	// carry no job_id or status attribute, so neither index sees them.
	jobIDGuardPrefix = "job_id#"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore implements DocumentStore on a DynamoDB table keyed by id,
// with GSIs on job_id and (status, created_at). Each job_id is reserved by a
// guard item written in the same transaction as the job.
type DynamoStore struct {
	db    DynamoAPI
	table string
}

var _ DocumentStore = (*DynamoStore)(nil)

func NewDynamoStore(db DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{db: db, table: table}
}

// NewDynamoClient loads the default AWS config for cfg.Region. A non-empty
// cfg.Endpoint (DynamoDB Local, LocalStack) overrides the service endpoint.
func NewDynamoClient(ctx context.Context, cfg config.DynamoConfig) (*dynamodb.Client, error) {
	awsConfig, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsConfig, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// dynamoJob is the item layout. Metadata is stored as a native map so the
// table stays readable from the console.
type dynamoJob struct {
	ID        string         `dynamodbav:"id"`
	JobID     string         `dynamodbav:"job_id"`
	Status    string         `dynamodbav:"status"`
	CreatedAt dynamoTime     `dynamodbav:"created_at"`
	UpdatedAt dynamoTime     `dynamodbav:"updated_at"`
	Metadata  map[string]any `dynamodbav:"metadata"`
}

// dynamoTime is written as epoch milliseconds. Older items carry RFC3339
// strings, which are accepted on read.
type dynamoTime time.Time

func (t dynamoTime) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Time(t).UnixMilli(), 10)}, nil
}

func (t *dynamoTime) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		ms, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return fmt.Errorf("parse epoch timestamp %q: %w", v.Value, err)
		}
		*t = dynamoTime(time.UnixMilli(int64(ms)).UTC())
	case *types.AttributeValueMemberS:
		parsed, err := time.Parse(time.RFC3339Nano, v.Value)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", v.Value, err)
		}
		*t = dynamoTime(parsed.UTC())
	case *types.AttributeValueMemberNULL:
		*t = dynamoTime{}
	default:
		return fmt.Errorf("unsupported timestamp attribute %T", av)
	}
	return nil
}

func toDynamoJob(job *models.Job) (*dynamoJob, error) {
	md, err := metadataMap(job.Metadata)
	if err != nil {
		return nil, err
	}
	return &dynamoJob{
		ID:        job.ID,
		JobID:     job.JobID,
		Status:    string(job.Status),
		CreatedAt: dynamoTime(job.CreatedAt),
		UpdatedAt: dynamoTime(job.UpdatedAt),
		Metadata:  md,
	}, nil
}

func (d *dynamoJob) toModel() (*models.Job, error) {
	job := &models.Job{
		ID:        d.ID,
		JobID:     d.JobID,
		Status:    models.Status(d.Status),
		CreatedAt: time.Time(d.CreatedAt),
		UpdatedAt: time.Time(d.UpdatedAt),
	}
	if len(d.Metadata) > 0 {
		raw, err := json.Marshal(d.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		if err := json.Unmarshal(raw, &job.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return job, nil
}

func metadataMap(md models.Metadata) (map[string]any, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return out, nil
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	return err
}

func (s *DynamoStore) Close() error { return nil }

func (s *DynamoStore) Insert(ctx context.Context, job *models.Job) error {
	doc, err := toDynamoJob(job)
	if err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	guard := map[string]types.AttributeValue{
		"id":     &types.AttributeValueMemberS{Value: jobIDGuardPrefix + job.JobID},
		"doc_id": &types.AttributeValueMemberS{Value: job.ID},
	}

	_, err = s.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.table),
				Item:                guard,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(s.table),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			}},
		},
	})
	if isTransactionConditionFailed(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, id string) (*models.Job, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if _, isJob := out.Item["job_id"]; !isJob {
		return nil, ErrNotFound
	}
	return decodeDynamoItem(out.Item)
}

func (s *DynamoStore) FindByJobID(ctx context.Context, jobID string) (*models.Job, error) {
	values := map[string]types.AttributeValue{":j": &types.AttributeValueMemberS{Value: jobID}}

	jobs, err := s.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(JobIDIndex),
		KeyConditionExpression:    aws.String("job_id = :j"),
		ExpressionAttributeValues: values,
	})
	if errors.Is(err, ErrIndexMissing) {
		jobs, err = s.scan(ctx, aws.String("job_id = :j"), nil, values)
	}
	if err != nil {
		return nil, fmt.Errorf("find job by job_id: %w", err)
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

func (s *DynamoStore) Update(ctx context.Context, id string, patch Patch, updatedAt time.Time) error {
	names := map[string]string{"#u": "updated_at"}
	ts, _ := dynamoTime(updatedAt).MarshalDynamoDBAttributeValue()
	values := map[string]types.AttributeValue{":u": ts}
	sets := []string{"#u = :u"}

	if patch.Status != nil {
		names["#s"] = "status"
		values[":s"] = &types.AttributeValueMemberS{Value: string(*patch.Status)}
		sets = append(sets, "#s = :s")
	}
	if patch.Metadata != nil {
		md, err := metadataMap(*patch.Metadata)
		if err != nil {
			return err
		}
		av, err := attributevalue.Marshal(md)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		names["#m"] = "metadata"
		values[":m"] = av
		sets = append(sets, "#m = :m")
	}

	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       idKey(id),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(job_id)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// Delete removes the job, then the guard item so the job_id can be reused.
func (s *DynamoStore) Delete(ctx context.Context, id string) error {
	out, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 idKey(id),
		ConditionExpression: aws.String("attribute_exists(job_id)"),
		ReturnValues:        types.ReturnValueAllOld,
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	jobID, ok := out.Attributes["job_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil
	}
	_, err = s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       idKey(jobIDGuardPrefix + jobID.Value),
		ConditionExpression:       aws.String("doc_id = :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":d": &types.AttributeValueMemberS{Value: id}},
	})
	if err != nil && !isConditionFailed(err) {
		slog.Warn("releasing job_id guard", "job_id", jobID.Value, "error", err)
	}
	return nil
}

// QueryByStatus uses the status/created_at GSI for ordered or ranged queries
// and a filtered Scan otherwise.
func (s *DynamoStore) QueryByStatus(ctx context.Context, status models.Status, q Query) ([]*models.Job, error) {
	names := map[string]string{"#s": "status"}
	values := map[string]types.AttributeValue{":s": &types.AttributeValueMemberS{Value: string(status)}}

	if !q.Ordered && q.CreatedAfter.IsZero() {
		return s.scan(ctx, aws.String("#s = :s"), names, values)
	}

	cond := "#s = :s"
	if !q.CreatedAfter.IsZero() {
		names["#c"] = "created_at"
		values[":c"], _ = dynamoTime(q.CreatedAfter).MarshalDynamoDBAttributeValue()
		cond += " AND #c > :c"
	}
	jobs, err := s.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(StatusCreatedIndex),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
	})
	if err != nil {
		return nil, err
	}
	// GSI order has no tie-breaker; align equal timestamps with the other backends.
	SortJobs(jobs, Order{Field: OrderCreatedAt, Desc: true})
	return jobs, nil
}

// ListAll scans the table and sorts in memory; DynamoDB has no global order.
func (s *DynamoStore) ListAll(ctx context.Context, order Order) ([]*models.Job, error) {
	if !ValidOrderField(order.Field) {
		return nil, fmt.Errorf("invalid order field %q", order.Field)
	}
	jobs, err := s.scan(ctx, aws.String("attribute_exists(job_id)"), nil, nil)
	if err != nil {
		return nil, err
	}
	SortJobs(jobs, order)
	return jobs, nil
}

func (s *DynamoStore) query(ctx context.Context, in *dynamodb.QueryInput) ([]*models.Job, error) {
	var jobs []*models.Job
	p := dynamodb.NewQueryPaginator(s.db, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if isIndexMissing(err) {
			return nil, ErrIndexMissing
		}
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", aws.ToString(in.IndexName), err)
		}
		for _, item := range page.Items {
			job, err := decodeDynamoItem(item)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *DynamoStore) scan(ctx context.Context, filter *string, names map[string]string, values map[string]types.AttributeValue) ([]*models.Job, error) {
	in := &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          filter,
		ExpressionAttributeValues: values,
	}
	if len(names) > 0 {
		in.ExpressionAttributeNames = names
	}

	var jobs []*models.Job
	p := dynamodb.NewScanPaginator(s.db, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan jobs: %w", err)
		}
		for _, item := range page.Items {
			job, err := decodeDynamoItem(item)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func decodeDynamoItem(item map[string]types.AttributeValue) (*models.Job, error) {
	var doc dynamoJob
	if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return doc.toModel()
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func isTransactionConditionFailed(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, reason := range tce.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// isIndexMissing matches the ValidationException DynamoDB returns for a
// query against an index the table does not define.
func isIndexMissing(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "ValidationException" {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "specified index")
}
