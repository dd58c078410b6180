package users

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/micro/pkg/rpc"
	"github.com/nao1215/micro/pkg/rpcerr"
)

// ユーザーサービスが処理するパターン。
const (
	PatternSignUp            = "sign_up"
	PatternVerifyCredentials = "verify_credentials"
	PatternGetProfile        = "get_profile"
	PatternUpdateProfile     = "update_profile"
	PatternUsernameExists    = "username_exists"
	PatternGetUserIDByName   = "get_user_id_by_username"
	PatternChangePassword    = "change_password"
	PatternDeleteUser        = "delete_user"
)

// パスワードの長さの制限。bcryptは72バイトを超える入力を扱えない。
const (
	minPasswordLength = 8
	maxPasswordLength = 72
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)

// Service はユーザーサービスのリクエスト処理を行う。
type Service struct {
	store      *Store
	logger     *zap.Logger
	bcryptCost int
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithLogger はログ出力先を設定する。
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBcryptCost はパスワードハッシュのコストを設定する。
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		s.bcryptCost = cost
	}
}

// NewService はServiceを生成する。
func NewService(store *Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		logger:     zap.NewNop(),
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register はハンドラをRPCサーバーに登録する。
func (s *Service) Register(srv *rpc.Server) {
	srv.Handle(PatternSignUp, s.handleSignUp)
	srv.Handle(PatternVerifyCredentials, s.handleVerifyCredentials)
	srv.Handle(PatternGetProfile, s.handleGetProfile)
	srv.Handle(PatternUpdateProfile, s.handleUpdateProfile)
	srv.Handle(PatternUsernameExists, s.handleUsernameExists)
	srv.Handle(PatternGetUserIDByName, s.handleGetUserIDByUsername)
	srv.Handle(PatternChangePassword, s.handleChangePassword)
	srv.Handle(PatternDeleteUser, s.handleDeleteUser)
}

// SignUpRequest はユーザー登録リクエスト。
type SignUpRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// CredentialsRequest はログイン情報の確認リクエスト。
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialsResponse は確認に成功したユーザー。
type CredentialsResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// ProfileRequest はプロフィール取得リクエスト。
// Usernameが空なら認証済みユーザー自身のプロフィールを返す。
type ProfileRequest struct {
	Username string `json:"username"`
}

// UpdateProfileRequest はプロフィール更新リクエスト。
type UpdateProfileRequest struct {
	Email     *string `json:"email"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

// UsernameExistsRequest はユーザー名の存在確認リクエスト。
type UsernameExistsRequest struct {
	Username string `json:"username"`
}

// UsernameExistsResponse はユーザー名の存在確認結果。
type UsernameExistsResponse struct {
	Exists bool `json:"exists"`
}

// UserIDResponse はユーザー名から引いたユーザーID。
type UserIDResponse struct {
	UserID string `json:"user_id"`
}

// ChangePasswordRequest はパスワード変更リクエスト。
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePasswordResponse はパスワード変更結果。
type ChangePasswordResponse struct {
	UserID  string `json:"user_id"`
	Changed bool   `json:"changed"`
}

// DeleteUserRequest は退会リクエスト。本人確認のためパスワードを要求する。
type DeleteUserRequest struct {
	Password string `json:"password"`
}

// DeleteUserResponse は退会結果。
type DeleteUserResponse struct {
	UserID  string `json:"user_id"`
	Deleted bool   `json:"deleted"`
}

// Profile はユーザーのプロフィール。パスワードハッシュは含めない。
type Profile struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toProfile(u *User) Profile {
	return Profile{
		UserID:    u.ID,
		Username:  u.Username,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		CreatedAt: u.CreatedAt.Format("2006-01-02T15:04:05Z"),
		UpdatedAt: u.UpdatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// handleSignUp はユーザーを登録する。
func (s *Service) handleSignUp(ctx context.Context, req *rpc.Request) (any, error) {
	in, err := rpc.DecodeJSON[SignUpRequest](req)
	if err != nil {
		return nil, err
	}
	in.Username = strings.TrimSpace(in.Username)
	if err := validateSignUp(in); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		PasswordHash: hash,
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
	}
	if err := s.store.Create(ctx, u); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return nil, rpc.Errorf(rpcerr.CodeAlreadyExists, "ユーザー名 %s は既に使われています", in.Username)
		}
		return nil, err
	}

	s.logger.Info("ユーザーを登録しました", zap.String("user_id", u.ID), zap.String("username", u.Username))
	return toProfile(u), nil
}

// validateSignUp は登録内容を検証する。
func validateSignUp(in *SignUpRequest) error {
	if !usernamePattern.MatchString(in.Username) {
		return rpc.Errorf(rpcerr.CodeInvalidArgument, "ユーザー名は3〜32文字の英数字とアンダースコアで指定してください")
	}
	if n := len(in.Password); n < minPasswordLength || n > maxPasswordLength {
		return rpc.Errorf(rpcerr.CodeInvalidArgument, "パスワードは%d〜%dバイトで指定してください", minPasswordLength, maxPasswordLength)
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return rpc.Errorf(rpcerr.CodeInvalidArgument, "メールアドレスの形式が不正です")
	}
	return nil
}

// handleVerifyCredentials はユーザー名とパスワードを確認する。
// ユーザーが存在しない場合もパスワード不一致と同じエラーを返す。
func (s *Service) handleVerifyCredentials(ctx context.Context, req *rpc.Request) (any, error) {
	in, err := rpc.DecodeJSON[CredentialsRequest](req)
	if err != nil {
		return nil, err
	}

	u, err := s.store.GetByUsername(ctx, in.Username)
	if errors.Is(err, ErrNotFound) {
		return nil, errInvalidCredentials()
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(in.Password)); err != nil {
		s.logger.Info("パスワードが一致しませんでした", zap.String("user_id", u.ID))
		return nil, errInvalidCredentials()
	}
	return CredentialsResponse{UserID: u.ID, Username: u.Username}, nil
}

func errInvalidCredentials() error {
	return rpc.Errorf(rpcerr.CodeUnauthenticated, "ユーザー名またはパスワードが正しくありません")
}

// handleGetProfile はプロフィールを返す。
func (s *Service) handleGetProfile(ctx context.Context, req *rpc.Request) (any, error) {
	in := &ProfileRequest{}
	if len(req.Body) > 0 {
		var err error
		if in, err = rpc.DecodeJSON[ProfileRequest](req); err != nil {
			return nil, err
		}
	}

	var (
		u   *User
		err error
	)
	switch {
	case in.Username != "":
		u, err = s.store.GetByUsername(ctx, in.Username)
	case req.UserID != "":
		u, err = s.store.GetByID(ctx, req.UserID)
	default:
		return nil, errNoUser()
	}
	if errors.Is(err, ErrNotFound) {
		return nil, rpc.Errorf(rpcerr.CodeNotFound, "ユーザーが見つかりません")
	}
	if err != nil {
		return nil, err
	}
	return toProfile(u), nil
}

// handleUpdateProfile は認証済みユーザーのプロフィールを更新する。
func (s *Service) handleUpdateProfile(ctx context.Context, req *rpc.Request) (any, error) {
	if req.UserID == "" {
		return nil, errNoUser()
	}
	in, err := rpc.DecodeJSON[UpdateProfileRequest](req)
	if err != nil {
		return nil, err
	}
	if in.Email == nil && in.FirstName == nil && in.LastName == nil {
		return nil, rpc.Errorf(rpcerr.CodeInvalidArgument, "更新する項目がありません")
	}
	if in.Email != nil {
		if _, err := mail.ParseAddress(*in.Email); err != nil {
			return nil, rpc.Errorf(rpcerr.CodeInvalidArgument, "メールアドレスの形式が不正です")
		}
	}

	u, err := s.store.UpdateProfile(ctx, req.UserID, ProfileUpdate{
		Email:     in.Email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
	})
	if errors.Is(err, ErrNotFound) {
		return nil, rpc.Errorf(rpcerr.CodeNotFound, "ユーザーが見つかりません")
	}
	if err != nil {
		return nil, err
	}
	return toProfile(u), nil
}

// handleUsernameExists はユーザー名が登録済みかどうかを返す。
func (s *Service) handleUsernameExists(ctx context.Context, req *rpc.Request) (any, error) {
	in, err := rpc.DecodeJSON[UsernameExistsRequest](req)
	if err != nil {
		return nil, err
	}
	if in.Username == "" {
		return nil, rpc.Errorf(rpcerr.CodeInvalidArgument, "ユーザー名が指定されていません")
	}
	exists, err := s.store.UsernameExists(ctx, in.Username)
	if err != nil {
		return nil, err
	}
	return UsernameExistsResponse{Exists: exists}, nil
}

func (s *Service) handleGetUserIDByUsername(ctx context.Context, req *rpc.Request) (any, error) {
	in, err := rpc.DecodeJSON[UsernameExistsRequest](req)
	if err != nil {
		return nil, err
	}
	if in.Username == "" {
		return nil, rpc.Errorf(rpcerr.CodeInvalidArgument, "ユーザー名が指定されていません")
	}
	u, err := s.store.GetByUsername(ctx, in.Username)
	if errors.Is(err, ErrNotFound) {
		return nil, rpc.Errorf(rpcerr.CodeNotFound, "ユーザーが見つかりません")
	}
	if err != nil {
		return nil, err
	}
	return UserIDResponse{UserID: u.ID}, nil
}

// handleChangePassword は現在のパスワードを確認してから新しいパスワードに置き換える。
func (s *Service) handleChangePassword(ctx context.Context, req *rpc.Request) (any, error) {
	if req.UserID == "" {
		return nil, errNoUser()
	}
	in, err := rpc.DecodeJSON[ChangePasswordRequest](req)
	if err != nil {
		return nil, err
	}
	if n := len(in.NewPassword); n < minPasswordLength || n > maxPasswordLength {
		return nil, rpc.Errorf(rpcerr.CodeInvalidArgument, "パスワードは%d〜%dバイトで指定してください", minPasswordLength, maxPasswordLength)
	}

	u, err := s.store.GetByID(ctx, req.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, rpc.Errorf(rpcerr.CodeNotFound, "ユーザーが見つかりません")
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(in.CurrentPassword)); err != nil {
		return nil, rpc.Errorf(rpcerr.CodePermissionDenied, "パスワードが正しくありません")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.NewPassword), s.bcryptCost)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdatePassword(ctx, u.ID, hash); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, rpc.Errorf(rpcerr.CodeNotFound, "ユーザーが見つかりません")
		}
		return nil, err
	}

	s.logger.Info("パスワードを変更しました", zap.String("user_id", u.ID))
	return ChangePasswordResponse{UserID: u.ID, Changed: true}, nil
}

// handleDeleteUser は認証済みユーザーを削除する。
func (s *Service) handleDeleteUser(ctx context.Context, req *rpc.Request) (any, error) {
	if req.UserID == "" {
		return nil, errNoUser()
	}
	in, err := rpc.DecodeJSON[DeleteUserRequest](req)
	if err != nil {
		return nil, err
	}

	u, err := s.store.GetByID(ctx, req.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, rpc.Errorf(rpcerr.CodeNotFound, "ユーザーが見つかりません")
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(in.Password)); err != nil {
		return nil, rpc.Errorf(rpcerr.CodePermissionDenied, "パスワードが正しくありません")
	}
	if err := s.store.Delete(ctx, u.ID); err != nil {
		return nil, err
	}

	s.logger.Info("ユーザーを削除しました", zap.String("user_id", u.ID))
	return DeleteUserResponse{UserID: u.ID, Deleted: true}, nil
}

func errNoUser() error {
	return rpc.Errorf(rpcerr.CodeUnauthenticated, "ユーザーIDが取得できません")
}
