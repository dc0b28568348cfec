package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ChallengeSize 设备端挑战值长度
const ChallengeSize = 16

// KeySize 单方向会话密钥长度 (ChaCha20-Poly1305)
const KeySize = 32

const sessionLabel = "picolog session v1"

// Role 区分鉴权证明的发送方，防止证明被反射回对方
type Role string

const (
	RoleClient Role = "client"
	RoleDevice Role = "device"
)

// Identity 持有一个设备的身份材料。原始密钥只在构造时使用，之后只保留其 SHA-256 摘要。
type Identity struct {
	BoardID    string
	secretHash [32]byte
}

// NewIdentity 根据 board id 与更新密钥创建身份，密钥不能为空
func NewIdentity(boardID, secret string) (*Identity, error) {
	if secret == "" {
		return nil, errors.New("identity: secret is empty")
	}
	return &Identity{
		BoardID:    boardID,
		secretHash: sha256.Sum256([]byte(secret)),
	}, nil
}

// Transcript 握手过程中双方交换的公开数据，证明与会话密钥都绑定在它上面
type Transcript struct {
	BoardID   string
	ClientPub []byte
	DevicePub []byte
	Challenge []byte
}

func (t Transcript) bytes() []byte {
	out := make([]byte, 0, len(sessionLabel)+len(t.BoardID)+len(t.ClientPub)+len(t.DevicePub)+len(t.Challenge)+1)
	out = append(out, sessionLabel...)
	out = append(out, t.ClientPub...)
	out = append(out, t.DevicePub...)
	out = append(out, t.Challenge...)
	out = append(out, 0)
	out = append(out, t.BoardID...)
	return out
}

// SessionKeys 两个方向各自独立的对称密钥，避免双方使用相同的 (key, nonce)
type SessionKeys struct {
	ClientToDevice []byte
	DeviceToClient []byte
}

// DeriveSessionKeys 使用 HKDF-SHA256 从 ECDH 共享密钥派生会话密钥。
// salt 为密钥摘要，因此不知道密钥的一方即使完成 ECDH 也无法解密后续帧。
func (id *Identity) DeriveSessionKeys(shared []byte, t Transcript) (SessionKeys, error) {
	r := hkdf.New(sha256.New, shared, id.secretHash[:], t.bytes())
	material := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(r, material); err != nil {
		return SessionKeys{}, fmt.Errorf("deriving session keys: %w", err)
	}
	return SessionKeys{
		ClientToDevice: material[:KeySize],
		DeviceToClient: material[KeySize:],
	}, nil
}

// Proof 计算 role 方的鉴权证明 HMAC-SHA256(secretHash, role || transcript)
func (id *Identity) Proof(role Role, t Transcript) []byte {
	mac := hmac.New(sha256.New, id.secretHash[:])
	mac.Write([]byte(role))
	mac.Write(t.bytes())
	return mac.Sum(nil)
}

// Verify 以常数时间比较 role 方的证明
func (id *Identity) Verify(role Role, t Transcript, proof []byte) bool {
	return hmac.Equal(id.Proof(role, t), proof)
}

// NewChallenge 生成随机挑战值
func NewChallenge() ([]byte, error) {
	c := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(rand.Reader, c); err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}
	return c, nil
}
