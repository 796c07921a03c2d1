package admission

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/opal-compute/gateway/core/infra/logging"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{1,63}$`)

// UserSpec is the mutable part of a user account.
type UserSpec struct {
	Username             string   `json:"username"`
	Role                 Role     `json:"role"`
	AuthorizedAlgorithms []string `json:"authorizedAlgorithms"`
	AccessLevel          int      `json:"accessLevel"`
}

// UserPatch holds optional updates; nil fields are left unchanged.
type UserPatch struct {
	Role                 *Role     `json:"role,omitempty"`
	AuthorizedAlgorithms *[]string `json:"authorizedAlgorithms,omitempty"`
	AccessLevel          *int      `json:"accessLevel,omitempty"`
}

// UserFilter selects users by role. Empty or "all" selects everyone.
type UserFilter string

// IssuedUser is returned when a token is minted. The token is not stored.
type IssuedUser struct {
	User  *User  `json:"user"`
	Token string `json:"token"`
}

// UserService manages accounts. Every operation except Bootstrap requires an
// admin actor; GetUser also allows a user to read their own account.
type UserService struct {
	users        UserStore
	gate         *CredentialGate
	capabilities []string
	now          func() time.Time
}

// NewUserService builds the service. capabilities lists every value accepted
// in AuthorizedAlgorithms.
func NewUserService(users UserStore, gate *CredentialGate, capabilities []string) *UserService {
	return &UserService{
		users:        users,
		gate:         gate,
		capabilities: append([]string(nil), capabilities...),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Bootstrap creates an admin account without an acting admin. It is meant
// for first-time setup from the command line.
func (s *UserService) Bootstrap(ctx context.Context, username string) (*IssuedUser, error) {
	return s.create(ctx, UserSpec{Username: username, Role: RoleAdmin, AccessLevel: 0})
}

func (s *UserService) CreateUser(ctx context.Context, actor Identity, spec UserSpec) (*IssuedUser, error) {
	if !actor.IsAdmin() {
		return nil, newError(KindUnauthorized, msgAdminOnly)
	}
	issued, err := s.create(ctx, spec)
	if err != nil {
		return nil, err
	}
	logging.Info("users", "user created", "username", issued.User.Username, "role", issued.User.Role, "by", actor.Username)
	return issued, nil
}

func (s *UserService) create(ctx context.Context, spec UserSpec) (*IssuedUser, error) {
	spec.Username = strings.TrimSpace(spec.Username)
	if spec.Role == "" {
		spec.Role = RoleStandard
	}
	if err := s.validateSpec(spec); err != nil {
		return nil, err
	}
	now := s.now()
	token, err := GenerateToken(spec.Username, now)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "token generation failed", Err: err}
	}
	user := &User{
		Username:             spec.Username,
		CredentialHash:       s.gate.Digest(token),
		Role:                 spec.Role,
		AuthorizedAlgorithms: dedupe(spec.AuthorizedAlgorithms),
		AccessLevel:          spec.AccessLevel,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrUserExists) {
			return nil, newError(KindConflict, fmt.Sprintf("User %s already exists.", spec.Username))
		}
		return nil, storeError("create user", err)
	}
	return &IssuedUser{User: user, Token: token}, nil
}

func (s *UserService) GetUser(ctx context.Context, actor Identity, username string) (*User, error) {
	username = strings.TrimSpace(username)
	if !actor.IsAdmin() && actor.Username != username {
		return nil, newError(KindUnauthorized, msgAdminOnly)
	}
	return s.lookup(ctx, username)
}

func (s *UserService) ListUsers(ctx context.Context, actor Identity, filter UserFilter) ([]*User, error) {
	if !actor.IsAdmin() {
		return nil, newError(KindUnauthorized, msgAdminOnly)
	}
	var role Role
	switch strings.ToLower(strings.TrimSpace(string(filter))) {
	case "", "all":
	case string(RoleAdmin):
		role = RoleAdmin
	case string(RoleStandard):
		role = RoleStandard
	default:
		return nil, newError(KindMalformedRequest, "role filter must be one of admin, standard, all")
	}
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, storeError("list users", err)
	}
	out := make([]*User, 0, len(users))
	for _, u := range users {
		if role == "" || u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

// UpdateUser applies patch. The credential is never touched here.
func (s *UserService) UpdateUser(ctx context.Context, actor Identity, username string, patch UserPatch) (*User, error) {
	if !actor.IsAdmin() {
		return nil, newError(KindUnauthorized, msgAdminOnly)
	}
	user, err := s.lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	spec := UserSpec{
		Username:             user.Username,
		Role:                 user.Role,
		AuthorizedAlgorithms: user.AuthorizedAlgorithms,
		AccessLevel:          user.AccessLevel,
	}
	if patch.Role != nil {
		spec.Role = *patch.Role
	}
	if patch.AuthorizedAlgorithms != nil {
		spec.AuthorizedAlgorithms = *patch.AuthorizedAlgorithms
	}
	if patch.AccessLevel != nil {
		spec.AccessLevel = *patch.AccessLevel
	}
	if err := s.validateSpec(spec); err != nil {
		return nil, err
	}
	user.Role = spec.Role
	user.AuthorizedAlgorithms = dedupe(spec.AuthorizedAlgorithms)
	user.AccessLevel = spec.AccessLevel
	user.UpdatedAt = s.now()
	if err := s.users.UpdateUser(ctx, user); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, newError(KindNotFound, fmt.Sprintf("User %s does not exist.", user.Username))
		}
		return nil, storeError("update user", err)
	}
	logging.Info("users", "user updated", "username", user.Username, "by", actor.Username)
	return user, nil
}

// ResetToken mints a new token for username, invalidating the old one.
func (s *UserService) ResetToken(ctx context.Context, actor Identity, username string) (*IssuedUser, error) {
	if !actor.IsAdmin() {
		return nil, newError(KindUnauthorized, msgAdminOnly)
	}
	user, err := s.lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	token, err := GenerateToken(user.Username, s.now())
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "token generation failed", Err: err}
	}
	digest := s.gate.Digest(token)
	if err := s.users.SetCredential(ctx, user.Username, digest); err != nil {
		return nil, storeError("reset credential", err)
	}
	user.CredentialHash = digest
	logging.Info("users", "user token reset", "username", user.Username, "by", actor.Username)
	return &IssuedUser{User: user, Token: token}, nil
}

func (s *UserService) DeleteUser(ctx context.Context, actor Identity, username string) error {
	if !actor.IsAdmin() {
		return newError(KindUnauthorized, msgAdminOnly)
	}
	username = strings.TrimSpace(username)
	if username == actor.Username {
		return newError(KindPreconditionFailed, "Administrators cannot delete their own account.")
	}
	if err := s.users.DeleteUser(ctx, username); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return newError(KindNotFound, fmt.Sprintf("User %s does not exist.", username))
		}
		return storeError("delete user", err)
	}
	logging.Info("users", "user deleted", "username", username, "by", actor.Username)
	return nil
}

func (s *UserService) lookup(ctx context.Context, username string) (*User, error) {
	user, err := s.users.GetUser(ctx, strings.TrimSpace(username))
	if errors.Is(err, ErrUserNotFound) {
		return nil, newError(KindNotFound, fmt.Sprintf("User %s does not exist.", username))
	}
	if err != nil {
		return nil, storeError("get user", err)
	}
	return user, nil
}

func (s *UserService) validateSpec(spec UserSpec) error {
	if !usernamePattern.MatchString(spec.Username) {
		return newError(KindMalformedRequest, "username: must be 2-64 characters of letters, digits, '.', '_' or '-'")
	}
	if spec.Role != RoleAdmin && spec.Role != RoleStandard {
		return newError(KindMalformedRequest, "role: must be admin or standard")
	}
	if spec.AccessLevel < 0 {
		return newError(KindMalformedRequest, "accessLevel: must be >= 0")
	}
	for _, algo := range spec.AuthorizedAlgorithms {
		if !slices.Contains(s.capabilities, algo) {
			return newError(KindMalformedRequest, fmt.Sprintf("authorizedAlgorithms: %q is not a supported computation", algo)).
				with("supported", s.capabilities)
		}
	}
	return nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
