package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bissquit/fieldsync/internal/domain"
)

// storedDocument keeps the file content as a self-contained data URL so
// that the record survives serialization as text.
type storedDocument struct {
	MotherID     string `json:"mother_id"`
	DocumentType string `json:"document_type"`
	Name         string `json:"name"`
	MediaType    string `json:"media_type"`
	Size         int64  `json:"size"`
	Content      string `json:"content"`
}

// EncodeWorkItem converts item to its stored form.
func EncodeWorkItem(item *domain.WorkItem) (*Record, error) {
	if item.Payload == nil {
		return nil, fmt.Errorf("encode %s item: payload is nil", item.Kind)
	}

	var (
		payload []byte
		err     error
	)
	switch p := item.Payload.(type) {
	case *domain.DocumentPayload:
		payload, err = json.Marshal(storedDocument{
			MotherID:     p.MotherID,
			DocumentType: p.DocumentType,
			Name:         p.Name,
			MediaType:    p.MediaType,
			Size:         p.Size,
			Content:      EncodeDataURL(p.MediaType, p.Content),
		})
	default:
		payload, err = json.Marshal(p)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", item.Kind, err)
	}

	return &Record{
		ID:         item.ID,
		Kind:       string(item.Payload.Kind()),
		ClientID:   item.ClientID,
		Key:        item.Payload.IndexKey(),
		Payload:    payload,
		Target:     item.Target,
		CreatedAt:  item.CreatedAt,
		SyncStatus: string(item.SyncStatus),
		RetryCount: item.RetryCount,
		LastError:  item.LastError,
	}, nil
}

// DecodeWorkItem converts a stored record back to a work item.
// Undecodable records return an error matching ErrCorruptRecord.
func DecodeWorkItem(rec Record) (*domain.WorkItem, error) {
	kind := domain.Kind(rec.Kind)

	var payload domain.Payload
	switch kind {
	case domain.KindForm:
		var p domain.FormPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return nil, corrupt(rec, err)
		}
		payload = &p
	case domain.KindChat:
		var p domain.ChatPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return nil, corrupt(rec, err)
		}
		payload = &p
	case domain.KindDocument:
		var s storedDocument
		if err := json.Unmarshal(rec.Payload, &s); err != nil {
			return nil, corrupt(rec, err)
		}
		mediaType, content, err := DecodeDataURL(s.Content)
		if err != nil {
			return nil, corrupt(rec, err)
		}
		if s.MediaType == "" {
			s.MediaType = mediaType
		}
		payload = &domain.DocumentPayload{
			MotherID:     s.MotherID,
			DocumentType: s.DocumentType,
			Name:         s.Name,
			MediaType:    s.MediaType,
			Size:         s.Size,
			Content:      content,
		}
	default:
		return nil, corrupt(rec, fmt.Errorf("unknown kind %q", rec.Kind))
	}

	status := domain.SyncStatus(rec.SyncStatus)
	if !status.IsValid() {
		return nil, corrupt(rec, fmt.Errorf("unknown sync status %q", rec.SyncStatus))
	}

	return &domain.WorkItem{
		ID:         rec.ID,
		ClientID:   rec.ClientID,
		Kind:       kind,
		Payload:    payload,
		Target:     rec.Target,
		CreatedAt:  rec.CreatedAt,
		SyncStatus: status,
		RetryCount: rec.RetryCount,
		LastError:  rec.LastError,
	}, nil
}

func corrupt(rec Record, err error) error {
	return fmt.Errorf("%w: record %d: %v", ErrCorruptRecord, rec.ID, err)
}

// EncodeDataURL returns content as a base64 data URL.
func EncodeDataURL(mediaType string, content []byte) string {
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(content)
}

// DecodeDataURL parses a base64 data URL.
func DecodeDataURL(s string) (mediaType string, content []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data url")
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data url without payload")
	}
	mediaType, ok = strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("data url is not base64")
	}
	content, err = base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", nil, fmt.Errorf("decode data url: %w", err)
	}
	return mediaType, content, nil
}
