package entity

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/h2non/filetype"

	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
)

const DefaultMaxPayloadBytes = 256 * 1024

// Payload непрозрачное вложение к сдаче работы или к доказательствам в споре.
// Ref обязателен, Data опциональна и ограничена по размеру.
type Payload struct {
	Ref         string `json:"ref"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// NewPayload проверяет размер и определяет тип содержимого по сигнатуре.
func NewPayload(ref, name string, data []byte, maxBytes int) (Payload, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Payload{}, apperror.New(apperror.ErrCodeValidation, "ссылка на вложение обязательна")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}
	if len(data) > maxBytes {
		return Payload{}, apperror.New(apperror.ErrCodeValidation, fmt.Sprintf("вложение больше %d КБ", maxBytes/1024))
	}

	p := Payload{Ref: ref, Name: strings.TrimSpace(name)}
	if len(data) > 0 {
		p.Data = data
		p.ContentType = sniffContentType(data)
	}
	return p, nil
}

func sniffContentType(data []byte) string {
	kind, err := filetype.Match(data)
	if err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	return http.DetectContentType(data)
}

// NewPayloads собирает список вложений; пустой список не допускается.
func NewPayloads(items []PayloadInput, maxBytes int) ([]Payload, error) {
	if len(items) == 0 {
		return nil, apperror.New(apperror.ErrCodeValidation, "список вложений пуст")
	}
	out := make([]Payload, 0, len(items))
	for _, item := range items {
		p, err := NewPayload(item.Ref, item.Name, item.Data, maxBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type PayloadInput struct {
	Ref  string `json:"ref"`
	Name string `json:"name,omitempty"`
	Data []byte `json:"data,omitempty"`
}
