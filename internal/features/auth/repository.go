package auth

import (
	"context"
	"time"

	"puppyday/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

type AdminRepository interface {
	Create(ctx context.Context, account *AdminAccount) error
	FindByEmail(ctx context.Context, email string) (*AdminAccount, error)
}

type AdminRepositoryImpl struct {
	collection *mongo.Collection
}

func NewAdminRepository(db *database.MongodbDB) AdminRepository {
	return &AdminRepositoryImpl{
		collection: db.DB.Collection("admin_accounts"),
	}
}

func (r *AdminRepositoryImpl) Create(ctx context.Context, account *AdminAccount) error {
	if account.ID.IsZero() {
		account.ID = primitive.NewObjectID()
	}
	account.CreatedAt = time.Now()
	account.UpdatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, account)
	return err
}

func (r *AdminRepositoryImpl) FindByEmail(ctx context.Context, email string) (*AdminAccount, error) {
	var account AdminAccount
	err := r.collection.FindOne(ctx, bson.M{"email": email}).Decode(&account)
	if err != nil {
		return nil, err
	}
	return &account, nil
}
