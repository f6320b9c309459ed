package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/claybowl/AiPex-sub000/pkg/blob"
)

// StorageConfig configures a storage node. Key may contain {{name}} placeholders.
type StorageConfig struct {
	Operation   string `json:"operation" validate:"required,oneof=get put delete"`
	Key         string `json:"key" validate:"required"`
	ContentType string `json:"contentType"`
	// Field names the input written by put. Defaults to the default input.
	Field string `json:"field"`
}

// StorageExecutor handles the "storage" node type against a blob store.
type StorageExecutor struct {
	store blob.Store
}

func (e *StorageExecutor) Execute(ctx context.Context, node Node, inputs map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
	if e.store == nil {
		return fail(ec, node.ID, fmt.Errorf("%w: blob store", ErrNotConfigured))
	}
	cfg, err := DecodeConfig[StorageConfig](node)
	if err != nil {
		return fail(ec, node.ID, err)
	}
	key := renderTemplate(cfg.Key, inputs)
	ec.SetOutput(node.ID, "key", key)

	switch cfg.Operation {
	case "put":
		field := firstNonEmpty(cfg.Field, DefaultPort)
		v, ok := inputs[field]
		if !ok || v == nil {
			return fail(ec, node.ID, missingInput(field))
		}
		data, contentType, err := encodeBlob(v, cfg.ContentType)
		if err != nil {
			return fail(ec, node.ID, err)
		}
		if err := e.store.Put(ctx, key, data, contentType); err != nil {
			return fail(ec, node.ID, err)
		}
		ec.SetOutput(node.ID, DefaultPort, map[string]any{"key": key, "size": len(data), "contentType": contentType})

	case "get":
		obj, err := e.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				return fail(ec, node.ID, fmt.Errorf("object %q: %w", key, err))
			}
			return fail(ec, node.ID, err)
		}
		ec.SetOutput(node.ID, DefaultPort, decodeBlob(obj))
		ec.SetOutput(node.ID, "contentType", obj.ContentType)

	case "delete":
		if err := e.store.Delete(ctx, key); err != nil {
			return fail(ec, node.ID, err)
		}
		ec.SetOutput(node.ID, DefaultPort, true)
	}
	return nil
}

func encodeBlob(v any, contentType string) ([]byte, string, error) {
	switch d := v.(type) {
	case string:
		return []byte(d), firstNonEmpty(contentType, "text/plain; charset=utf-8"), nil
	case []byte:
		return d, firstNonEmpty(contentType, "application/octet-stream"), nil
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, "", fmt.Errorf("encode blob: %w", err)
		}
		return raw, firstNonEmpty(contentType, "application/json"), nil
	}
}

// decodeBlob returns JSON objects parsed, text as a string and anything else as bytes.
func decodeBlob(obj *blob.Object) any {
	mediaType, _, _ := mime.ParseMediaType(obj.ContentType)
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var v any
		if err := json.Unmarshal(obj.Data, &v); err == nil {
			return v
		}
		return string(obj.Data)
	case strings.HasPrefix(mediaType, "text/"), mediaType == "":
		return string(obj.Data)
	default:
		return obj.Data
	}
}
