package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	sagaDomain "github.com/davicafu/fleetguard/internal/saga/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	sharedQuery "github.com/davicafu/fleetguard/shared/platform/query"
)

// SagaArchiveMongoDB guarda una copia de cada saga terminada (instancia y
// pasos) como un único documento.
type SagaArchiveMongoDB struct {
	coll *mongo.Collection
}

var _ sagaDomain.SagaArchiver = (*SagaArchiveMongoDB)(nil)

func NewSagaArchiveMongoDB(ctx context.Context, client *mongo.Client, dbName string) (*SagaArchiveMongoDB, error) {
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("could not ping mongoDB: %w", err)
	}
	coll := client.Database(dbName).Collection("saga_archive")
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sagaType", Value: 1}, {Key: "completedAt", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create saga_archive index: %w", err)
	}
	return &SagaArchiveMongoDB{coll: coll}, nil
}

// --- Documentos BSON ---

type mongoSagaStep struct {
	StepID      string                 `bson:"stepId"`
	StepIndex   int                    `bson:"stepIndex"`
	StepName    string                 `bson:"stepName"`
	StepType    string                 `bson:"stepType"`
	Status      string                 `bson:"status"`
	Output      map[string]interface{} `bson:"output,omitempty"`
	Error       string                 `bson:"error,omitempty"`
	RetryCount  int                    `bson:"retryCount"`
	StartedAt   time.Time              `bson:"startedAt"`
	CompletedAt *time.Time             `bson:"completedAt,omitempty"`
}

type mongoSaga struct {
	SagaID      string                 `bson:"_id"`
	SagaType    string                 `bson:"sagaType"`
	Status      string                 `bson:"status"`
	TotalSteps  int                    `bson:"totalSteps"`
	CurrentStep int                    `bson:"currentStep"`
	Input       map[string]interface{} `bson:"input"`
	Output      map[string]interface{} `bson:"output,omitempty"`
	Checkpoint  map[string]interface{} `bson:"checkpoint"`
	Error       string                 `bson:"error,omitempty"`
	StartedAt   time.Time              `bson:"startedAt"`
	CompletedAt *time.Time             `bson:"completedAt,omitempty"`
	Steps       []mongoSagaStep        `bson:"steps"`
	ArchivedAt  time.Time              `bson:"archivedAt"`
}

// Archive es idempotente: reemplaza el documento si la saga ya estaba archivada.
func (r *SagaArchiveMongoDB) Archive(ctx context.Context, detail sagaDomain.SagaDetail) error {
	doc, err := toMongoSaga(detail)
	if err != nil {
		return err
	}
	_, err = r.coll.ReplaceOne(ctx, bson.M{"_id": doc.SagaID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive saga %s: %w", doc.SagaID, err)
	}
	return nil
}

// Get devuelve el documento archivado tal y como se guardó.
func (r *SagaArchiveMongoDB) Get(ctx context.Context, sagaID string) (*sagaDomain.SagaDetail, error) {
	var doc mongoSaga
	if err := r.coll.FindOne(ctx, bson.M{"_id": sagaID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, sagaDomain.ErrSagaNotFound
		}
		return nil, err
	}
	return fromMongoSaga(&doc)
}

// List filtra por criterios neutrales (p. ej. sagaType, status) del más reciente al más antiguo.
func (r *SagaArchiveMongoDB) List(ctx context.Context, criteria sharedDomain.Criteria, page sharedQuery.OffsetPagination) ([]*sagaDomain.SagaDetail, error) {
	page = page.Normalize()
	opts := options.Find().
		SetSort(bson.D{{Key: "completedAt", Value: -1}}).
		SetSkip(int64(page.Offset)).
		SetLimit(int64(page.Limit))

	cursor, err := r.coll.Find(ctx, criteriaToMongoFilter(criteria), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*sagaDomain.SagaDetail
	for cursor.Next(ctx) {
		var doc mongoSaga
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		detail, err := fromMongoSaga(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, detail)
	}
	return out, cursor.Err()
}

// --- Mapeo ---

func toMongoSaga(d sagaDomain.SagaDetail) (*mongoSaga, error) {
	inst := d.Instance
	if inst == nil {
		return nil, fmt.Errorf("archive: empty saga detail")
	}
	cp, err := sharedDomain.NewPayload(inst.Checkpoint)
	if err != nil {
		return nil, err
	}
	doc := &mongoSaga{
		SagaID:      inst.ID,
		SagaType:    inst.SagaType,
		Status:      string(inst.Status),
		TotalSteps:  inst.TotalSteps,
		CurrentStep: inst.CurrentStep,
		Input:       inst.Input,
		Output:      inst.Output,
		Checkpoint:  cp,
		Error:       inst.Error,
		StartedAt:   inst.StartedAt,
		CompletedAt: inst.CompletedAt,
		ArchivedAt:  time.Now().UTC(),
	}
	for _, st := range d.Steps {
		doc.Steps = append(doc.Steps, mongoSagaStep{
			StepID:      st.ID.String(),
			StepIndex:   st.StepIndex,
			StepName:    st.StepName,
			StepType:    string(st.StepType),
			Status:      string(st.Status),
			Output:      st.Output,
			Error:       st.Error,
			RetryCount:  st.RetryCount,
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
		})
	}
	return doc, nil
}

func fromMongoSaga(doc *mongoSaga) (*sagaDomain.SagaDetail, error) {
	var cp sagaDomain.Checkpoint
	if err := sharedDomain.Payload(doc.Checkpoint).Decode(&cp); err != nil {
		return nil, err
	}
	inst := &sagaDomain.SagaInstance{
		ID:          doc.SagaID,
		SagaType:    doc.SagaType,
		Status:      sagaDomain.SagaStatus(doc.Status),
		TotalSteps:  doc.TotalSteps,
		CurrentStep: doc.CurrentStep,
		Input:       doc.Input,
		Output:      doc.Output,
		Checkpoint:  cp,
		Error:       doc.Error,
		StartedAt:   doc.StartedAt,
		CompletedAt: doc.CompletedAt,
	}
	detail := &sagaDomain.SagaDetail{Instance: inst}
	for _, s := range doc.Steps {
		step := &sagaDomain.SagaStep{
			SagaID:      doc.SagaID,
			StepIndex:   s.StepIndex,
			StepName:    s.StepName,
			StepType:    sagaDomain.StepType(s.StepType),
			Status:      sagaDomain.StepStatus(s.Status),
			Output:      s.Output,
			Error:       s.Error,
			RetryCount:  s.RetryCount,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		}
		_ = step.ID.UnmarshalText([]byte(s.StepID))
		detail.Steps = append(detail.Steps, step)
	}
	return detail, nil
}

func criteriaToMongoFilter(criteria sharedDomain.Criteria) bson.D {
	filter := bson.D{}
	if criteria == nil {
		return filter
	}
	for _, c := range criteria.ToConditions() {
		var op string
		switch c.Op {
		case sharedDomain.OpGt:
			op = "$gt"
		case sharedDomain.OpGte:
			op = "$gte"
		case sharedDomain.OpLt:
			op = "$lt"
		case sharedDomain.OpLte:
			op = "$lte"
		default:
			op = "$eq"
		}
		filter = append(filter, bson.E{Key: c.Field, Value: bson.M{op: c.Value}})
	}
	return filter
}
