package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/golang/snappy"

	"github.com/gestaozabele/geosync/internal/util"
)

// Archive grava lotes de registros como JSON comprimido com snappy.
type Archive struct {
	uploader Uploader
	prefix   string
	clock    util.Clock
}

// NewArchive cria o arquivador sob o prefixo informado.
func NewArchive(uploader Uploader, prefix string, clock util.Clock) *Archive {
	if uploader == nil {
		uploader = NoopUploader{}
	}
	return &Archive{uploader: uploader, prefix: prefix, clock: clock}
}

// Store serializa records e devolve a chave gravada
// (<prefix>/<kind>/AAAA/MM/DD/<ulid>.json.sz).
func (a *Archive) Store(ctx context.Context, kind string, records any) (string, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("storage: serializar arquivo: %w", err)
	}
	now := a.clock.OrNow()
	key := path.Join(a.prefix, kind, now.Format("2006/01/02"), util.NewULID()+".json.sz")

	res, err := a.uploader.Upload(ctx, UploadInput{
		Key:             key,
		Body:            snappy.Encode(nil, data),
		ContentType:     "application/json",
		ContentEncoding: "snappy",
		Metadata:        map[string]string{"kind": kind},
	})
	if err != nil {
		return "", err
	}
	return res.Key, nil
}

// DecodeArchive desfaz a compressão e decodifica o conteúdo em v.
func DecodeArchive(body []byte, v any) error {
	data, err := snappy.Decode(nil, body)
	if err != nil {
		return fmt.Errorf("storage: descomprimir arquivo: %w", err)
	}
	return json.Unmarshal(data, v)
}
