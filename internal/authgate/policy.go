package authgate

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/pescadash/internal/model"
)

// RolePolicy はあるロールを資格情報で引き受けられるかを判定する。
type RolePolicy interface {
	CanAssume(role model.Role, credential string) bool
}

// RolePolicyFunc は関数をRolePolicyとして扱うアダプタ。
type RolePolicyFunc func(role model.Role, credential string) bool

// CanAssume はRolePolicyインターフェースを実装する。
func (f RolePolicyFunc) CanAssume(role model.Role, credential string) bool {
	return f(role, credential)
}

// CommonOnlyPolicy は一般ロールだけを許可する。管理者シークレットが未設定の場合に使う。
var CommonOnlyPolicy RolePolicy = RolePolicyFunc(func(role model.Role, _ string) bool {
	return role == model.RoleCommon
})

// SharedSecretPolicy は管理者ロールを共有シークレットで認可する。
// シークレットはbcryptハッシュとして保持し、平文は保持しない。
// 一般ロールは常に許可する。
type SharedSecretPolicy struct {
	managerHash []byte
}

// NewSharedSecretPolicy はbcryptハッシュからSharedSecretPolicyを生成する。
func NewSharedSecretPolicy(managerHash string) (*SharedSecretPolicy, error) {
	if _, err := bcrypt.Cost([]byte(managerHash)); err != nil {
		return nil, fmt.Errorf("invalid manager secret hash: %w", err)
	}
	return &SharedSecretPolicy{managerHash: []byte(managerHash)}, nil
}

// HashSecret は平文のシークレットをbcryptハッシュに変換する。
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(h), nil
}

// CanAssume はRolePolicyインターフェースを実装する。
func (p *SharedSecretPolicy) CanAssume(role model.Role, credential string) bool {
	switch role {
	case model.RoleCommon:
		return true
	case model.RoleManager:
		if credential == "" {
			return false
		}
		return bcrypt.CompareHashAndPassword(p.managerHash, []byte(credential)) == nil
	default:
		return false
	}
}
