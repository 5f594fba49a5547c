package storage

import "context"

// NoopUploader descarta o conteúdo; usado quando não há bucket configurado.
type NoopUploader struct{}

// Upload não grava nada e devolve apenas a chave.
func (NoopUploader) Upload(_ context.Context, input UploadInput) (*UploadResult, error) {
	return &UploadResult{Key: input.Key}, nil
}
