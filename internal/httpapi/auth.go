package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"farmapos/backend/internal/domain"
)

// Pharmacy staff roles. Admin covers the owner/manager account; every
// account created through the staff endpoint is a pharmacist.
const (
	roleAdmin      = "admin"
	rolePharmacist = "pharmacist"
)

// AuthManager owns staff credentials, token issuing and the refund-approval
// policy. Accounts live in the user store; a cache keyed by lowercased
// username is refreshed from it before credential-sensitive operations.
type AuthManager struct {
	mu         sync.RWMutex
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	userStore  UserStore
	accounts   map[string]account
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type account struct {
	passwordHash string
	role         string
	active       bool
	createdAt    time.Time
}

type posClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN == "" {
		managerPIN = "disabled"
	}
	hashedPIN, err := hashPassword(managerPIN)
	if err == nil {
		managerPIN = hashedPIN
	}

	manager := &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: managerPIN,
		userStore:  userStore,
		accounts:   make(map[string]account),
	}
	// Startup operation, runs before any request context exists.
	manager.refreshAccounts(context.Background())
	return manager
}

func (a *AuthManager) Login(req domain.LoginRequest) (domain.LoginResponse, error) {
	a.refreshAccounts(context.Background())

	acc, ok := a.lookup(req.Username)
	if !ok || !verifyPassword(acc.passwordHash, req.Password) {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if !acc.active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(normalizeUsername(req.Username), acc.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        acc.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := posClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "farmapos",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// RefundNeedsManagerPIN is the refund-approval policy: pharmacists need a
// manager's sign-off, the admin account approves its own refunds.
func (a *AuthManager) RefundNeedsManagerPIN(role string) bool {
	return role != roleAdmin
}

// ValidateManagerPIN checks the sign-off PIN presented with a refund.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

func (a *AuthManager) CreateStaff(req domain.StaffCreateRequest) (domain.StaffUser, error) {
	a.refreshAccounts(context.Background())

	username := normalizeUsername(req.Username)
	if err := validateNewStaff(username, req.Password); err != nil {
		return domain.StaffUser{}, err
	}
	if _, exists := a.lookup(username); exists {
		return domain.StaffUser{}, fmt.Errorf("username already exists")
	}

	now := time.Now().UTC()
	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.StaffUser{}, fmt.Errorf("failed to hash password")
	}

	if a.userStore != nil {
		err := a.userStore.CreateUser(context.Background(), domain.UserAccount{
			Username:  username,
			Password:  passwordHash,
			Role:      rolePharmacist,
			Active:    true,
			CreatedAt: now,
		})
		if err != nil {
			return domain.StaffUser{}, err
		}
	}

	a.put(username, account{
		passwordHash: passwordHash,
		role:         rolePharmacist,
		active:       true,
		createdAt:    now,
	})

	return domain.StaffUser{
		Username:  username,
		Role:      rolePharmacist,
		Active:    true,
		CreatedAt: now,
	}, nil
}

// ListStaff returns the pharmacist accounts. The admin account is fixed
// wiring, not staff, so it stays out of the listing.
func (a *AuthManager) ListStaff() []domain.StaffUser {
	a.refreshAccounts(context.Background())

	a.mu.RLock()
	result := make([]domain.StaffUser, 0, len(a.accounts))
	for username, acc := range a.accounts {
		if acc.role != rolePharmacist {
			continue
		}
		result = append(result, domain.StaffUser{
			Username:  username,
			Role:      acc.role,
			Active:    acc.active,
			CreatedAt: acc.createdAt,
		})
	}
	a.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result
}

// refreshAccounts reloads the credential cache from the user store,
// upgrading any legacy plain-text passwords to bcrypt hashes along the way.
func (a *AuthManager) refreshAccounts(ctx context.Context) {
	if a.userStore == nil {
		return
	}

	users, err := a.userStore.ListUsers(ctx)
	if err != nil || len(users) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, user := range users {
		username := normalizeUsername(user.Username)
		if username == "" {
			continue
		}
		passwordHash := user.Password
		if !isPasswordHash(passwordHash) {
			hashed, err := hashPassword(passwordHash)
			if err == nil {
				passwordHash = hashed
				_ = a.userStore.UpdateUserPassword(ctx, username, hashed)
			}
		}
		a.accounts[username] = account{
			passwordHash: passwordHash,
			role:         user.Role,
			active:       user.Active,
			createdAt:    user.CreatedAt,
		}
	}
}

func (a *AuthManager) lookup(username string) (account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc, ok := a.accounts[normalizeUsername(username)]
	return acc, ok
}

func (a *AuthManager) put(username string, acc account) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[username] = acc
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateNewStaff(username string, password string) error {
	if len(username) < 4 {
		return fmt.Errorf("username must be at least 4 characters")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return fmt.Errorf("username must not contain spaces")
	}
	if strings.TrimSpace(password) == "" || len(password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	return nil
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
