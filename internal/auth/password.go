package auth

import (
	"github.com/alexedwards/argon2id"
)

// DefaultParams são os parâmetros Argon2id de produção.
var DefaultParams = &argon2id.Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Hasher gera e confere hashes Argon2id de credenciais de dispositivo.
type Hasher struct {
	params *argon2id.Params
}

// NewHasher cria o hasher; params nil usa DefaultParams.
func NewHasher(params *argon2id.Params) *Hasher {
	if params == nil {
		params = DefaultParams
	}
	return &Hasher{params: params}
}

// Hash gera um hash Argon2id (inclui os parâmetros dentro do próprio hash).
func (h *Hasher) Hash(raw string) (string, error) {
	return argon2id.CreateHash(raw, h.params)
}

// Verify compara a credencial com o hash Argon2id (lendo parâmetros do próprio hash).
func (h *Hasher) Verify(raw, encodedHash string) (bool, error) {
	if encodedHash == "" {
		return false, nil
	}
	return argon2id.ComparePasswordAndHash(raw, encodedHash)
}
