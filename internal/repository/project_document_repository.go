package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gopherai-codegen/internal/model"
)

const projectCollection = "projects"

// projectDocument is the MongoDB shape of a project. The tree is stored flattened
// because file names such as "index.js" are awkward as nested field names.
type projectDocument struct {
	ID            string            `bson:"_id"`
	Name          string            `bson:"name"`
	OwnerID       uint              `bson:"owner_id"`
	Files         []model.FileEntry `bson:"files"`
	Collaborators []uint            `bson:"collaborators"`
	CreatedAt     time.Time         `bson:"created_at"`
	UpdatedAt     time.Time         `bson:"updated_at"`
}

// ProjectDocumentRepository keeps projects in a MongoDB collection.
type ProjectDocumentRepository struct {
	coll *mongo.Collection
}

func NewProjectDocumentRepository(db *mongo.Database) *ProjectDocumentRepository {
	return &ProjectDocumentRepository{coll: db.Collection(projectCollection)}
}

func (r *ProjectDocumentRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "collaborators", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "name", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create project indexes failed: %w", err)
	}
	return nil
}

func (r *ProjectDocumentRepository) Create(ctx context.Context, project *model.Project) error {
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	if _, err := r.coll.InsertOne(ctx, toProjectDocument(project)); err != nil {
		return fmt.Errorf("create project failed: %w", err)
	}
	return nil
}

func (r *ProjectDocumentRepository) GetByID(ctx context.Context, id string) (*model.Project, error) {
	var doc projectDocument
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("get project failed: %w", err)
	}
	return fromProjectDocument(doc)
}

func (r *ProjectDocumentRepository) ListByCollaborator(ctx context.Context, userID uint) ([]model.Project, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cursor, err := r.coll.Find(ctx, bson.M{"collaborators": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list projects failed: %w", err)
	}

	var docs []projectDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode projects failed: %w", err)
	}

	projects := make([]model.Project, 0, len(docs))
	for _, doc := range docs {
		project, err := fromProjectDocument(doc)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, nil
}

func (r *ProjectDocumentRepository) AddCollaborators(ctx context.Context, projectID string, userIDs []uint) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": projectID}, bson.M{
		"$addToSet": bson.M{"collaborators": bson.M{"$each": userIDs}},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("add collaborators failed: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ProjectDocumentRepository) UpdateFileTree(ctx context.Context, projectID string, tree model.FileTree) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": projectID}, bson.M{
		"$set": bson.M{
			"files":      tree.Flatten(),
			"updated_at": time.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("update file tree failed: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ProjectDocumentRepository) Delete(ctx context.Context, projectID string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"_id": projectID}); err != nil {
		return fmt.Errorf("delete project failed: %w", err)
	}
	return nil
}

func toProjectDocument(p *model.Project) projectDocument {
	files := p.FileTree.Flatten()
	if files == nil {
		files = []model.FileEntry{}
	}
	collaborators := p.Collaborators
	if collaborators == nil {
		collaborators = []uint{}
	}
	return projectDocument{
		ID:            p.ID,
		Name:          p.Name,
		OwnerID:       p.OwnerID,
		Files:         files,
		Collaborators: collaborators,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func fromProjectDocument(doc projectDocument) (*model.Project, error) {
	tree, err := model.FileTreeFromEntries(doc.Files)
	if err != nil {
		return nil, fmt.Errorf("rebuild file tree of project %s failed: %w", doc.ID, err)
	}
	return &model.Project{
		ID:            doc.ID,
		Name:          doc.Name,
		OwnerID:       doc.OwnerID,
		FileTree:      tree,
		Collaborators: doc.Collaborators,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}, nil
}
