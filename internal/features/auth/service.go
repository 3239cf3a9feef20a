package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	common_models "puppyday/internal/common/models"
	"puppyday/internal/features/audit"
	"puppyday/pkg/utils"

	"go.mongodb.org/mongo-driver/mongo"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

type AuthService interface {
	Register(ctx context.Context, name, email, password string) (*AdminAccount, error)
	Login(ctx context.Context, email, password string) (string, error)
}

type AuthServiceImpl struct {
	AdminRepo    AdminRepository
	AuditService audit.AuditService
}

func NewAuthService(adminRepo AdminRepository, auditService audit.AuditService) AuthService {
	return &AuthServiceImpl{
		AdminRepo:    adminRepo,
		AuditService: auditService,
	}
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (s *AuthServiceImpl) Register(ctx context.Context, name, email, password string) (*AdminAccount, error) {
	if _, err := s.AdminRepo.FindByEmail(ctx, email); err == nil {
		return nil, errors.New("account already exists")
	} else if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	account := &AdminAccount{
		Name:         name,
		Email:        email,
		PasswordHash: hashPassword(password),
	}
	if err := s.AdminRepo.Create(ctx, account); err != nil {
		return nil, err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionCreate, "admin_accounts", account.ID.Hex(), map[string]common_models.Change{
		"email": {New: account.Email},
	})

	return account, nil
}

func (s *AuthServiceImpl) Login(ctx context.Context, email, password string) (string, error) {
	account, err := s.AdminRepo.FindByEmail(ctx, email)
	if err != nil {
		return "", ErrInvalidCredentials
	}

	if account.PasswordHash != hashPassword(password) {
		return "", ErrInvalidCredentials
	}

	token, err := utils.GenerateToken(account.ID, account.Email)
	if err != nil {
		return "", err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionLogin, "admin_accounts", account.ID.Hex(), nil)

	return token, nil
}
