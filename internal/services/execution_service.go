package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"blockflow/internal/database"
	"blockflow/internal/models"
)

// ErrExecutionNotFound is returned for unknown run ids
var ErrExecutionNotFound = errors.New("execution not found")

// ExecutionService keeps the history of workflow runs in MongoDB.
// Without a collection it only logs a summary of each run.
type ExecutionService struct {
	collection *mongo.Collection
}

// NewExecutionService creates an execution service; mongoDB may be nil
func NewExecutionService(mongoDB *database.MongoDB) *ExecutionService {
	if mongoDB == nil {
		return &ExecutionService{}
	}
	return &ExecutionService{collection: mongoDB.Collection(database.CollectionExecutions)}
}

// NewExecutionServiceWithCollection wraps an existing collection
func NewExecutionServiceWithCollection(coll *mongo.Collection) *ExecutionService {
	return &ExecutionService{collection: coll}
}

// Record stores one finished run. Large payloads are trimmed first to stay
// under the document size limit.
func (s *ExecutionService) Record(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("execution record needs an id")
	}
	if rec.DurationMs == 0 && !rec.CompletedAt.IsZero() {
		rec.DurationMs = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	}

	if s.collection == nil {
		logrus.Infof("📝 [EXECUTION] %s workflow=%s trigger=%s status=%s blocks=%d duration=%dms",
			rec.ID, rec.WorkflowID, rec.TriggerType, rec.Status, len(rec.Logs), rec.DurationMs)
		return nil
	}

	stored := *rec
	stored.Input = sanitizeMap(rec.Input)
	stored.Output = sanitizeMap(rec.Output)
	if len(rec.Logs) > 0 {
		stored.Logs = make([]models.BlockLog, len(rec.Logs))
		for i, l := range rec.Logs {
			l.Output = sanitizeMap(l.Output)
			stored.Logs[i] = l
		}
	}

	if _, err := s.collection.InsertOne(ctx, &stored); err != nil {
		return fmt.Errorf("failed to record execution %s: %w", rec.ID, err)
	}

	logrus.Infof("📝 [EXECUTION] Recorded %s for workflow %s (trigger: %s, status: %s)",
		rec.ID, rec.WorkflowID, rec.TriggerType, rec.Status)
	return nil
}

// Get loads one run
func (s *ExecutionService) Get(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	if s.collection == nil {
		return nil, fmt.Errorf("%w: %s (history is not persisted)", ErrExecutionNotFound, id)
	}

	var rec models.ExecutionRecord
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return &rec, nil
}

// ListExecutionsOptions contains query options for listing executions
type ListExecutionsOptions struct {
	Page        int
	Limit       int
	Status      string
	TriggerType string
}

// PaginatedExecutions is the response for paginated execution lists
type PaginatedExecutions struct {
	Executions []models.ExecutionRecord `json:"executions"`
	Total      int64                    `json:"total"`
	Page       int64                    `json:"page"`
	Limit      int64                    `json:"limit"`
	HasMore    bool                     `json:"hasMore"`
}

// ListByWorkflow returns the runs of one workflow, newest first
func (s *ExecutionService) ListByWorkflow(ctx context.Context, workflowID string, opts *ListExecutionsOptions) (*PaginatedExecutions, error) {
	limit := int64(20)
	page := int64(1)
	filter := bson.M{"workflowId": workflowID}

	if opts != nil {
		if opts.Limit > 0 && opts.Limit <= 100 {
			limit = int64(opts.Limit)
		}
		if opts.Page > 0 {
			page = int64(opts.Page)
		}
		if opts.Status != "" {
			filter["status"] = opts.Status
		}
		if opts.TriggerType != "" {
			filter["triggerType"] = opts.TriggerType
		}
	}

	out := &PaginatedExecutions{Executions: []models.ExecutionRecord{}, Page: page, Limit: limit}
	if s.collection == nil {
		return out, nil
	}

	skip := (page - 1) * limit

	total, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "startedAt", Value: -1}}).
		SetSkip(skip).
		SetLimit(limit)

	cursor, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to find executions: %w", err)
	}
	defer cursor.Close(ctx)

	if err := cursor.All(ctx, &out.Executions); err != nil {
		return nil, fmt.Errorf("failed to decode executions: %w", err)
	}

	out.Total = total
	out.HasMore = skip+int64(len(out.Executions)) < total
	return out, nil
}

// DeleteOlderThan removes runs that started before cutoff
func (s *ExecutionService) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.collection == nil {
		return 0, nil
	}
	res, err := s.collection.DeleteMany(ctx, bson.M{"startedAt": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old executions: %w", err)
	}
	if res.DeletedCount > 0 {
		logrus.Infof("🗑️  [EXECUTION] Deleted %d executions older than %s", res.DeletedCount, cutoff.Format(time.RFC3339))
	}
	return res.DeletedCount, nil
}

var (
	dataURIPattern = regexp.MustCompile(`^data:[a-z]+/[^;]+;base64,`)
	base64Pattern  = regexp.MustCompile(`^[A-Za-z0-9+/=]{500,}$`)
)

const maxStoredString = 100000

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case string:
		return sanitizeString(v)
	case map[string]any:
		return sanitizeMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// sanitizeString replaces inline binary payloads and truncates huge strings
func sanitizeString(s string) string {
	if len(s) < 500 {
		return s
	}
	if dataURIPattern.MatchString(s) {
		return "[BASE64_DATA_STRIPPED_FOR_STORAGE]"
	}
	if base64Pattern.MatchString(s) {
		return "[BASE64_DATA_STRIPPED_FOR_STORAGE]"
	}
	if len(s) > maxStoredString {
		return s[:1000] + "... [TRUNCATED_FOR_STORAGE]"
	}
	return s
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v)
	}
	return out
}
